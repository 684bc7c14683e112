package promobserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecstore"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetName() + "=" + lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestObserverRecordsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)

	o.OnWrite("add", 3, time.Millisecond, nil)
	o.OnWrite("add", 2, time.Millisecond, errors.New("boom"))
	o.OnRead("get", 4, time.Millisecond, nil)
	o.OnQuery(2, 10, time.Millisecond, nil)
	o.OnLease(time.Millisecond, nil)
	o.OnLease(time.Second, errors.New("timeout"))
	o.OnReplay("c1", 7, time.Millisecond)

	got := gather(t, reg)
	assert.Equal(t, 3.0, got["vecstore_records_total,op=add"])
	assert.Equal(t, 4.0, got["vecstore_records_total,op=get"])
	assert.Equal(t, 1.0, got["vecstore_operation_latency_seconds,op=add,status=success"])
	assert.Equal(t, 1.0, got["vecstore_operation_latency_seconds,op=add,status=error"])
	assert.Equal(t, 2.0, got["vecstore_query_vectors_total"])
	assert.Equal(t, 2.0, got["vecstore_lease_wait_seconds"])
	assert.Equal(t, 1.0, got["vecstore_lease_errors_total"])
	assert.Equal(t, 1.0, got["vecstore_segment_replays_total"])
	assert.Equal(t, 7.0, got["vecstore_segment_replayed_entries_total"])
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestObserverWithStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)

	ctx := context.Background()
	db, err := vecstore.Open(t.TempDir(), vecstore.WithMetricsObserver(o))
	require.NoError(t, err)
	defer db.Close()

	c, err := db.CreateCollection(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{
		IDs:        []string{"a", "b"},
		Embeddings: [][]float64{{1, 0}, {0, 1}},
	}))
	_, err = c.Query(ctx, vecstore.QueryRequest{Embeddings: [][]float64{{1, 0}}, NResults: 1})
	require.NoError(t, err)

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["vecstore_records_total,op=add"])
	assert.Equal(t, 1.0, got["vecstore_query_vectors_total"])
	assert.GreaterOrEqual(t, got["vecstore_lease_wait_seconds"], 2.0)
}
