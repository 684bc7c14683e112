package vecstore_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/hupe1980/vecstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor drains ch until a change satisfying match arrives.
func waitFor(t *testing.T, ch <-chan vecstore.Change, match func(vecstore.Change) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			require.True(t, ok, "watch channel closed early")
			if match(c) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestWatchSeesOtherHandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	watcher := openStore(t, dir)
	writer := openStore(t, dir)

	ch, err := watcher.Watch(ctx)
	require.NoError(t, err)

	c, err := writer.CreateCollection(ctx, "docs")
	require.NoError(t, err)
	waitFor(t, ch, func(chg vecstore.Change) bool { return chg.Kind == vecstore.ChangeCatalog })

	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"a"}, Embeddings: [][]float64{{1}}}))
	waitFor(t, ch, func(chg vecstore.Change) bool {
		return chg.Kind == vecstore.ChangeRecords && chg.CollectionID == c.ID()
	})

	// Reads issued after the notification observe the write.
	wc, err := watcher.GetCollection(ctx, "docs")
	require.NoError(t, err)
	n, err := wc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := openStore(t, t.TempDir())

	ch, err := s.Watch(ctx)
	require.NoError(t, err)
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

// TestWatchNoGoroutineLeaks verifies that Close stops every watcher.
func TestWatchNoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	s, err := vecstore.Open(t.TempDir())
	require.NoError(t, err)
	var chans []<-chan vecstore.Change
	for i := 0; i < 3; i++ {
		ch, err := s.Watch(context.Background())
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	require.NoError(t, s.Close())

	for _, ch := range chans {
		for range ch {
		}
	}

	time.Sleep(100 * time.Millisecond)
	runtime.GC()
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after-before, 2, "leaked %d goroutines", after-before)
}

func TestChangeKindString(t *testing.T) {
	assert.Equal(t, "catalog", vecstore.ChangeCatalog.String())
	assert.Equal(t, "records", vecstore.ChangeRecords.String())
	assert.Equal(t, "unknown", vecstore.ChangeKind(0).String())
}
