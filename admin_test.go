package vecstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	c, err := s.CreateCollection(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"a", "b"}, Embeddings: [][]float64{{1}, {2}}}))
	require.NoError(t, c.Upsert(ctx, vecstore.AddRequest{IDs: []string{"a"}, Embeddings: [][]float64{{3}}}))
	require.NoError(t, c.Delete(ctx, vecstore.DeleteRequest{IDs: []string{"b"}}))
	_, err = s.CreateCollection(ctx, "empty")
	require.NoError(t, err)

	stats, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Path(), stats.Path)
	assert.Equal(t, "manifest", stats.CatalogBackend)
	assert.Positive(t, stats.CatalogVersion)
	require.Len(t, stats.Collections, 2)

	docs := stats.Collections[0]
	assert.Equal(t, "docs", docs.Name)
	assert.Equal(t, 1, docs.Dimension)
	assert.Equal(t, 1, docs.Records)
	assert.Equal(t, 4, docs.Entries)
	assert.Equal(t, uint64(3), docs.LSN)
	assert.Positive(t, docs.SegmentBytes)

	empty := stats.Collections[1]
	assert.Equal(t, 0, empty.Records)
	assert.Equal(t, uint64(0), empty.LSN)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir)

	c, err := s.CreateCollection(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"a", "b"}, Embeddings: [][]float64{{1, 0}, {0, 1}}}))

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Collections)
	assert.Equal(t, 2, report.Records)

	orphan := "5d1c1b5e-1111-4111-8111-111111111111" + vecstore.SegmentExt
	require.NoError(t, os.WriteFile(filepath.Join(dir, vecstore.SegmentsDir, orphan), nil, 0644))

	report, err = s.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "", report.Issues[0].Collection)
	assert.Contains(t, report.Issues[0].String(), orphan)
}

func TestVerifyRepairsTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir)

	c, err := s.CreateCollection(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"a"}, Embeddings: [][]float64{{1, 0}}}))

	// Simulate a writer that crashed halfway through a frame.
	path := filepath.Join(dir, vecstore.SegmentsDir, c.ID()+vecstore.SegmentExt)
	before, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "readers ignore the torn tail")

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Issues)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())

	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"b"}, Embeddings: [][]float64{{0, 1}}}))
	n, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyIssueString(t *testing.T) {
	assert.Equal(t, "docs: broken", vecstore.VerifyIssue{Collection: "docs", Problem: "broken"}.String())
	assert.Equal(t, "broken", vecstore.VerifyIssue{Problem: "broken"}.String())
}
