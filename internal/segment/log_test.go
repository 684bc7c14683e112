package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecstore/internal/fs"
	"github.com/hupe1980/vecstore/internal/record"
	"github.com/hupe1980/vecstore/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(id string, vec ...float64) *record.Entry {
	return &record.Entry{Kind: record.KindPut, ID: id, Embedding: vec}
}

func scanIDs(t *testing.T, l *Log) []string {
	t.Helper()
	var ids []string
	for e, err := range l.Scan() {
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func newLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "c.vlog")
}

func TestLogAppendAndReopen(t *testing.T) {
	path := newLogPath(t)
	doc := "hello"

	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*record.Entry{
		put("a", 1, 0),
		{Kind: record.KindPut, ID: "b", Document: &doc, Embedding: []float64{0, 1},
			Metadata: metadata.Document{"lang": metadata.String("go")}},
	}))
	require.NoError(t, l.Append([]*record.Entry{put("c", 1, 1)}))

	assert.Equal(t, 3, l.Count())
	assert.True(t, l.Contains("b"))
	assert.False(t, l.Contains("zz"))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []string{"a", "b", "c"}, scanIDs(t, l))
	got, err := l.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "hello", *got.Document)
	assert.Equal(t, metadata.String("go"), got.Metadata["lang"])

	st := l.Stats()
	assert.Equal(t, uint64(2), st.LSN)
	assert.Equal(t, 3, st.Live)
}

func TestLogUpdatesAndTombstones(t *testing.T) {
	l, err := Create(newLogPath(t))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append([]*record.Entry{put("a", 1), put("b", 2), put("c", 3)}))
	require.NoError(t, l.Append([]*record.Entry{put("a", 10)}))
	require.NoError(t, l.Append([]*record.Entry{record.Tombstone("b"), record.Tombstone("unknown")}))

	// Latest version position decides scan order.
	assert.Equal(t, []string{"c", "a"}, scanIDs(t, l))
	assert.Equal(t, 2, l.Count())

	got, err := l.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, got.Embedding)

	_, err = l.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-adding after a delete revives the id.
	require.NoError(t, l.Append([]*record.Entry{put("b", 20)}))
	got, err = l.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []float64{20}, got.Embedding)
	assert.Equal(t, 3, l.Count())
	assert.Equal(t, 7, l.Stats().Entries)
}

func TestLogCreateExisting(t *testing.T) {
	path := newLogPath(t)
	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = Create(path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestLogOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.vlog"))
	assert.ErrorIs(t, err, ErrMissing)

	short := filepath.Join(dir, "short.vlog")
	require.NoError(t, os.WriteFile(short, []byte("VST"), 0644))
	_, err = Open(short)
	assert.ErrorIs(t, err, ErrInvalidHeader)
	assert.ErrorIs(t, err, record.ErrCorrupt)

	magic := filepath.Join(dir, "magic.vlog")
	require.NoError(t, os.WriteFile(magic, []byte("NOTALOG!\x01\x00\x00\x00"), 0644))
	_, err = Open(magic)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	version := filepath.Join(dir, "version.vlog")
	require.NoError(t, os.WriteFile(version, []byte("VSTORLOG\x09\x00\x00\x00"), 0644))
	_, err = Open(version)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestLogTornTail(t *testing.T) {
	path := newLogPath(t)
	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*record.Entry{put("a", 1)}))
	good := l.Stats().Size
	require.NoError(t, l.Close())

	frame, err := record.EncodeFrame(2, []*record.Entry{put("b", 2), put("c", 3)}, record.CompressionNone)
	require.NoError(t, err)

	for _, cut := range []int{1, record.FrameHeaderSize, len(frame) - 1} {
		require.NoError(t, os.Truncate(path, good))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		require.NoError(t, err)
		_, err = f.Write(frame[:cut])
		require.NoError(t, err)
		require.NoError(t, f.Close())

		l, err := Open(path)
		require.NoError(t, err, "cut %d", cut)
		assert.Equal(t, []string{"a"}, scanIDs(t, l))

		removed, err := l.Recover()
		require.NoError(t, err)
		assert.Equal(t, int64(cut), removed)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, good, info.Size())

		// Appends after recovery continue the sequence.
		require.NoError(t, l.Append([]*record.Entry{put("d", 4)}))
		require.NoError(t, l.Close())

		l, err = Open(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "d"}, scanIDs(t, l))
		require.NoError(t, l.Close())
	}
}

func TestLogTornTailChecksum(t *testing.T) {
	path := newLogPath(t)
	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*record.Entry{put("a", 1)}))
	require.NoError(t, l.Append([]*record.Entry{put("b", 2)}))
	require.NoError(t, l.Close())

	// Damage the final frame in place: it still reaches end of file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, []string{"a"}, scanIDs(t, l))
}

func TestLogMidFileCorruption(t *testing.T) {
	path := newLogPath(t)
	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*record.Entry{put("a", 1)}))
	require.NoError(t, l.Append([]*record.Entry{put("b", 2)}))
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[HeaderSize+record.FrameHeaderSize+6] ^= 0xff // inside the first frame
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = Open(path)
	assert.ErrorIs(t, err, record.ErrCorrupt)
}

func TestLogAppendSyncFailure(t *testing.T) {
	path := newLogPath(t)
	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*record.Entry{put("a", 1)}))
	require.NoError(t, l.Close())

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".vlog", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	l, err = Open(path, func(o *Options) { o.FS = faulty })
	require.NoError(t, err)
	before := l.Stats()

	err = l.Append([]*record.Entry{put("b", 2), put("c", 3)})
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, before, l.Stats())
	assert.False(t, l.Contains("b"))
	require.NoError(t, l.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size, info.Size())
}

func TestLogAppendWriteFailure(t *testing.T) {
	path := newLogPath(t)
	l, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".vlog", fs.Fault{FailAfterBytes: 0})

	l, err = Open(path, func(o *Options) { o.FS = faulty })
	require.NoError(t, err)
	defer l.Close()

	require.ErrorIs(t, l.Append([]*record.Entry{put("a", 1)}), fs.ErrInjected)
	assert.Equal(t, 0, l.Count())
	assert.Equal(t, uint64(0), l.Stats().LSN)
}

func TestLogRefreshSeesOtherHandle(t *testing.T) {
	path := newLogPath(t)
	writer, err := Create(path)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open(path)
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, writer.Append([]*record.Entry{put("a", 1), put("b", 2)}))
	assert.Equal(t, 0, reader.Count())

	n, err := reader.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reader.Count())

	n, err = reader.Refresh()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogRefreshAfterRollback(t *testing.T) {
	path := newLogPath(t)
	writer, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, writer.Append([]*record.Entry{put("a", 1)}))
	base := writer.Stats().Size

	reader, err := Open(path)
	require.NoError(t, err)
	defer reader.Close()

	// A frame the reader applies, then a writer rolls back after a failed sync.
	require.NoError(t, writer.Append([]*record.Entry{put("a", 2), put("b", 2)}))
	_, err = reader.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 2, reader.Count())
	require.NoError(t, writer.Close())
	require.NoError(t, os.Truncate(path, base))

	_, err = reader.Refresh()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reader.Stats().LSN)
	assert.Equal(t, []string{"a"}, scanIDs(t, reader))
	got, err := reader.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, got.Embedding)

	appendFresh := func(entries ...*record.Entry) {
		t.Helper()
		w, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, w.Append(entries))
		require.NoError(t, w.Close())
	}

	appendFresh(put("a", 3), put("c", 3))
	_, err = reader.Refresh()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, scanIDs(t, reader))

	// Roll back again, and reuse the offset and sequence number before the
	// reader refreshes.
	require.NoError(t, os.Truncate(path, base))
	appendFresh(put("d", 4), put("e", 4), put("f", 4))

	_, err = reader.Refresh()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reader.Stats().LSN)
	assert.Equal(t, []string{"a", "d", "e", "f"}, scanIDs(t, reader))
	assert.False(t, reader.Contains("c"))
	got, err = reader.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, got.Embedding)
}

func TestLogCompression(t *testing.T) {
	path := newLogPath(t)
	doc := string(make([]byte, 4096))

	l, err := Create(path, func(o *Options) { o.Compression = record.CompressionZSTD })
	require.NoError(t, err)
	require.NoError(t, l.Append([]*record.Entry{{Kind: record.KindPut, ID: "a", Document: &doc, Embedding: []float64{1}}}))
	assert.Less(t, l.Stats().Size, int64(1024))
	require.NoError(t, l.Close())

	// Readers need no compression option.
	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Get("a")
	require.NoError(t, err)
	assert.Equal(t, doc, *got.Document)
}

func TestLogClosed(t *testing.T) {
	l, err := Create(newLogPath(t))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Append([]*record.Entry{put("a", 1)}), ErrClosed)
	_, err = l.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	for _, err := range l.Scan() {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestLogGetMany(t *testing.T) {
	l, err := Create(newLogPath(t))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append([]*record.Entry{put("a", 1), put("b", 2), put("c", 3)}))
	require.NoError(t, l.Append([]*record.Entry{put("a", 10), record.Tombstone("b")}))

	got, err := l.GetMany([]string{"c", "b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []float64{3}, got[0].Embedding)
	assert.Nil(t, got[1])
	assert.Nil(t, got[2])
	assert.Equal(t, []float64{10}, got[3].Embedding)

	got, err = l.GetMany(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.Close())
	_, err = l.GetMany([]string{"a"})
	assert.ErrorIs(t, err, ErrClosed)
}
