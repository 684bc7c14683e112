package vecstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecstore"
	"github.com/hupe1980/vecstore/blobstore"
	"github.com/hupe1980/vecstore/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBackupStore(t *testing.T, optFns ...vecstore.Option) *vecstore.Store {
	t.Helper()
	ctx := context.Background()
	s := openStore(t, t.TempDir(), optFns...)

	c, err := s.CreateCollection(ctx, "articles", vecstore.WithCollectionMetadata(metadata.Document{"team": metadata.String("search")}))
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{
		IDs:        []string{"a", "b", "c"},
		Embeddings: [][]float64{{1, 0}, {0, 1}, {1, 1}},
		Documents:  []string{"alpha", "beta", "gamma"},
		Metadatas:  []metadata.Document{{"n": metadata.Int(1)}, {"n": metadata.Int(2)}, nil},
	}))
	require.NoError(t, c.Delete(ctx, vecstore.DeleteRequest{IDs: []string{"b"}}))

	_, err = s.CreateCollection(ctx, "empty")
	require.NoError(t, err)
	return s
}

func assertRestored(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	s := openStore(t, dir)

	infos, err := s.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "articles", infos[0].Name)
	assert.Equal(t, "empty", infos[1].Name)
	assert.Equal(t, metadata.Document{"team": metadata.String("search")}, infos[0].Metadata)

	c, err := s.GetCollection(ctx, "articles")
	require.NoError(t, err)
	res, err := c.Get(ctx, vecstore.GetRequest{Include: vecstore.IncludeAll()})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.IDs)
	assert.Equal(t, [][]float64{{1, 0}, {1, 1}}, res.Embeddings)
	assert.Equal(t, "gamma", *res.Documents[1])

	// The restored store accepts writes.
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"d"}, Embeddings: [][]float64{{2, 2}}}))

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Issues)
}

func TestBackupRestore(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend.String(), func(t *testing.T) {
			ctx := context.Background()
			s := seedBackupStore(t, vecstore.WithCatalogBackend(backend))
			dst := blobstore.NewMemoryStore()

			m, err := s.Backup(ctx, dst)
			require.NoError(t, err)
			assert.Equal(t, vecstore.BackupFormatVersion, m.FormatVersion)
			assert.Equal(t, backend.String(), m.CatalogBackend)
			require.Len(t, m.Segments, 2)
			assert.Equal(t, "articles", m.Segments[0].Collection)
			assert.Equal(t, 2, m.Segments[0].Records)
			assert.Positive(t, m.Size())

			names, err := dst.List(ctx, "")
			require.NoError(t, err)
			assert.Contains(t, names, vecstore.BackupManifestName)
			assert.Len(t, names, 4)

			read, err := vecstore.ReadBackupManifest(ctx, dst)
			require.NoError(t, err)
			assert.Equal(t, m.Segments, read.Segments)
			_, err = vecstore.VerifyBackup(ctx, dst)
			require.NoError(t, err)

			target := filepath.Join(t.TempDir(), "restored")
			require.NoError(t, vecstore.Restore(ctx, dst, target))
			assertRestored(t, target)

			restored := openStore(t, target)
			stats, err := restored.Inspect(ctx)
			require.NoError(t, err)
			assert.Equal(t, backend.String(), stats.CatalogBackend)
		})
	}
}

func TestBackupToLocalStore(t *testing.T) {
	ctx := context.Background()
	s := seedBackupStore(t)
	dst := blobstore.NewLocalStore(t.TempDir())

	_, err := s.Backup(ctx, dst)
	require.NoError(t, err)

	// The source keeps working after a backup.
	c, err := s.GetCollection(ctx, "articles")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, vecstore.AddRequest{IDs: []string{"z"}, Embeddings: [][]float64{{0, 0}}}))

	target := t.TempDir()
	require.NoError(t, vecstore.Restore(ctx, dst, target))
	assertRestored(t, target)
}

func TestRestoreDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := seedBackupStore(t)
	dst := blobstore.NewMemoryStore()
	m, err := s.Backup(ctx, dst)
	require.NoError(t, err)

	name := m.Segments[0].Name
	data, err := blobstore.ReadAll(ctx, dst, name)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, dst.Put(ctx, name, data))

	_, err = vecstore.VerifyBackup(ctx, dst)
	assert.ErrorIs(t, err, vecstore.ErrCorruptRecord)

	target := filepath.Join(t.TempDir(), "restored")
	err = vecstore.Restore(ctx, dst, target)
	require.ErrorIs(t, err, vecstore.ErrCorruptRecord)

	// No catalog was written, so the target opens as an empty store.
	r := openStore(t, target)
	n, err := r.CountCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRestoreRejectsNonEmptyTarget(t *testing.T) {
	ctx := context.Background()
	s := seedBackupStore(t)
	dst := blobstore.NewMemoryStore()
	_, err := s.Backup(ctx, dst)
	require.NoError(t, err)

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x"), 0644))
	err = vecstore.Restore(ctx, dst, target)
	assert.ErrorIs(t, err, vecstore.ErrAlreadyExists)
	assert.FileExists(t, filepath.Join(target, "keep.txt"))
}

func TestRestoreWithoutBackup(t *testing.T) {
	ctx := context.Background()
	err := vecstore.Restore(ctx, blobstore.NewMemoryStore(), t.TempDir())
	assert.ErrorIs(t, err, vecstore.ErrNotFound)

	err = vecstore.Restore(ctx, blobstore.NewMemoryStore(), "")
	assert.ErrorIs(t, err, vecstore.ErrInvalidArgument)

	_, err = vecstore.ReadBackupManifest(ctx, blobstore.NewLocalStore(t.TempDir()))
	assert.ErrorIs(t, err, vecstore.ErrNotFound)
}

func TestReadBackupManifestValidates(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		manifest string
	}{
		{"NotJSON", `{`},
		{"Format", `{"format_version": 99}`},
		{"Digest", `{"format_version": 1, "digest_algorithm": "md5", "catalog_backend": "manifest"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := blobstore.NewMemoryStore()
			require.NoError(t, src.Put(ctx, vecstore.BackupManifestName, []byte(tt.manifest)))
			_, err := vecstore.ReadBackupManifest(ctx, src)
			assert.ErrorIs(t, err, vecstore.ErrCorruptRecord)
		})
	}
}
