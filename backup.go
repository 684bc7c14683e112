package vecstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecstore/blobstore"
	"github.com/hupe1980/vecstore/codec"
	"github.com/hupe1980/vecstore/internal/catalog"
	"github.com/hupe1980/vecstore/internal/fs"
	"github.com/hupe1980/vecstore/internal/record"
	"github.com/hupe1980/vecstore/internal/segment"
)

const (
	// BackupManifestName is the blob written last by Backup. A backup
	// without it is incomplete.
	BackupManifestName = "BACKUP.json"
	// BackupFormatVersion is the manifest format written by Backup.
	BackupFormatVersion = 1

	backupCatalogName = "catalog.bin"
	backupDigest      = "highwayhash-256"
	backupConcurrency = 4
)

var backupKey = []byte("vecstore/backup/highwayhash/key!")

// BackupFile describes one blob of a backup.
type BackupFile struct {
	Name         string `json:"name"`
	CollectionID string `json:"collection_id,omitempty"`
	Collection   string `json:"collection,omitempty"`
	Records      int    `json:"records,omitempty"`
	Size         int64  `json:"size"`
	Digest       string `json:"digest"`
}

// BackupManifest describes a backup. It is stored as BACKUP.json.
type BackupManifest struct {
	FormatVersion  int          `json:"format_version"`
	CreatedAt      time.Time    `json:"created_at"`
	CatalogBackend string       `json:"catalog_backend"`
	CatalogVersion uint64       `json:"catalog_version"`
	DigestAlgo     string       `json:"digest_algorithm"`
	Catalog        BackupFile   `json:"catalog"`
	Segments       []BackupFile `json:"segments"`
}

// Size returns the total size of the backed-up files.
func (m *BackupManifest) Size() int64 {
	n := m.Catalog.Size
	for _, f := range m.Segments {
		n += f.Size
	}
	return n
}

func newDigest() (hash.Hash, error) {
	return highwayhash.New(backupKey)
}

func segmentBlobName(id string) string {
	return SegmentsDir + "/" + id + SegmentExt
}

// Backup copies a consistent snapshot of the store to dst: every segment
// log, the catalog, and finally BACKUP.json. It holds the write lease for
// the duration, so writers wait while readers proceed.
func (s *Store) Backup(ctx context.Context, dst blobstore.BlobStore) (*BackupManifest, error) {
	const op = "backup"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()
	if dst == nil {
		return nil, invalidArgf(op, "nil blob store")
	}

	start := time.Now()
	var m *BackupManifest
	err = s.write(ctx, op, func(tx *writeTx) error {
		m = &BackupManifest{
			FormatVersion:  BackupFormatVersion,
			CreatedAt:      time.Now().UTC(),
			CatalogBackend: s.backend.String(),
			CatalogVersion: tx.state.Version,
			DigestAlgo:     backupDigest,
			Segments:       make([]BackupFile, len(tx.state.Collections)),
		}

		logs := make([]*segment.Log, len(tx.state.Collections))
		for i, c := range tx.state.Collections {
			l, err := tx.writerLog(c.ID)
			if err != nil {
				return err
			}
			logs[i] = l
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(backupConcurrency)
		for i, c := range tx.state.Collections {
			l := logs[i]
			g.Go(func() error {
				f, err := backupLog(gctx, dst, l, segmentBlobName(c.ID))
				if err != nil {
					return err
				}
				f.CollectionID, f.Collection, f.Records = c.ID, c.Name, l.Count()
				m.Segments[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		data, err := catalog.EncodeState(tx.state)
		if err != nil {
			return err
		}
		h, err := newDigest()
		if err != nil {
			return err
		}
		_, _ = h.Write(data)
		m.Catalog = BackupFile{Name: backupCatalogName, Size: int64(len(data)), Digest: hex.EncodeToString(h.Sum(nil))}
		if err := dst.Put(ctx, backupCatalogName, data); err != nil {
			return err
		}

		manifest, err := codec.GoJSON{}.MarshalIndent(m)
		if err != nil {
			return err
		}
		return dst.Put(ctx, BackupManifestName, manifest)
	})

	files := 0
	var size int64
	if m != nil {
		files, size = len(m.Segments)+1, m.Size()
	}
	s.logger.LogBackup(ctx, op, files, size, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func backupLog(ctx context.Context, dst blobstore.BlobStore, l *segment.Log, name string) (BackupFile, error) {
	h, err := newDigest()
	if err != nil {
		return BackupFile{}, err
	}
	w, err := dst.Create(ctx, name)
	if err != nil {
		return BackupFile{}, err
	}
	n, err := l.CopyTo(io.MultiWriter(w, h))
	if err != nil {
		_ = w.Abort()
		return BackupFile{}, err
	}
	if err := w.Close(); err != nil {
		return BackupFile{}, err
	}
	return BackupFile{Name: name, Size: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

// Restore recreates the store backed up in src at path. The directory must
// not exist or be empty. Every file is checked against its digest in
// BACKUP.json; a mismatch fails with ErrCorruptRecord.
//
// The catalog is written last, so an interrupted restore opens as an empty
// store whose leftover segment logs are removed on open.
func Restore(ctx context.Context, src blobstore.BlobStore, path string, optFns ...Option) error {
	const op = "restore"
	if path == "" {
		return invalidArgf(op, "empty path")
	}
	if src == nil {
		return invalidArgf(op, "nil blob store")
	}
	o := applyOptions(optFns)
	logger := o.logger.WithPath(path)

	start := time.Now()
	m, err := restore(ctx, src, path, o)
	files := 0
	var size int64
	if m != nil {
		files, size = len(m.Segments)+1, m.Size()
	}
	logger.LogBackup(ctx, op, files, size, time.Since(start), err)
	return err
}

func restore(ctx context.Context, src blobstore.BlobStore, path string, o options) (*BackupManifest, error) {
	const op = "restore"

	m, err := ReadBackupManifest(ctx, src)
	if err != nil {
		return nil, err
	}
	backend, _ := ParseCatalogBackend(m.CatalogBackend)

	if entries, err := o.fsys.ReadDir(path); err == nil && len(entries) > 0 {
		return nil, newError(op, KindAlreadyExists, fmt.Errorf("restore target %s is not empty", path))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, translateError(op, err)
	}

	data, err := blobstore.ReadAll(ctx, src, m.Catalog.Name)
	if err != nil {
		return nil, translateError(op, err)
	}
	if err := checkDigest(m.Catalog, data); err != nil {
		return nil, translateError(op, err)
	}
	st, err := catalog.DecodeState(data)
	if err != nil {
		return nil, translateError(op, err)
	}
	byID := make(map[string]BackupFile, len(m.Segments))
	for _, f := range m.Segments {
		byID[f.CollectionID] = f
	}
	for _, c := range st.Collections {
		if _, ok := byID[c.ID]; !ok {
			return nil, newError(op, KindCorruptRecord, fmt.Errorf("backup has no segment log for collection %q", c.Name))
		}
	}

	if err := o.fsys.MkdirAll(filepath.Join(path, SegmentsDir), 0755); err != nil {
		return nil, translateError(op, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backupConcurrency)
	for _, c := range st.Collections {
		f := byID[c.ID]
		g.Go(func() error {
			return restoreFile(gctx, src, o.fsys, f, filepath.Join(path, SegmentsDir, c.ID+SegmentExt))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translateError(op, err)
	}

	var cat catalog.Catalog
	switch backend {
	case CatalogSQLite:
		cat, err = catalog.OpenSQLite(ctx, filepath.Join(path, catalog.SQLiteFileName))
	default:
		cat, err = catalog.OpenManifest(path, o.fsys)
	}
	if err != nil {
		return nil, translateError(op, err)
	}
	st.Version = 0
	err = cat.Commit(ctx, st)
	if cerr := cat.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, translateError(op, err)
	}
	return m, nil
}

// ReadBackupManifest reads and validates BACKUP.json from src.
func ReadBackupManifest(ctx context.Context, src blobstore.BlobStore) (*BackupManifest, error) {
	const op = "read_backup_manifest"
	data, err := blobstore.ReadAll(ctx, src, BackupManifestName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, newError(op, KindNotFound, fmt.Errorf("no backup manifest: %w", err))
		}
		return nil, translateError(op, err)
	}
	var m BackupManifest
	if err := (codec.GoJSON{}).Unmarshal(data, &m); err != nil {
		return nil, newError(op, KindCorruptRecord, fmt.Errorf("backup manifest: %w", err))
	}
	if m.FormatVersion != BackupFormatVersion {
		return nil, newError(op, KindCorruptRecord, fmt.Errorf("unsupported backup format %d", m.FormatVersion))
	}
	if m.DigestAlgo != backupDigest {
		return nil, newError(op, KindCorruptRecord, fmt.Errorf("unsupported digest %q", m.DigestAlgo))
	}
	if _, ok := ParseCatalogBackend(m.CatalogBackend); !ok {
		return nil, newError(op, KindCorruptRecord, fmt.Errorf("unknown catalog backend %q", m.CatalogBackend))
	}
	if m.Catalog.Name != backupCatalogName {
		return nil, newError(op, KindCorruptRecord, fmt.Errorf("unexpected catalog blob %q", m.Catalog.Name))
	}
	for _, f := range m.Segments {
		if _, err := uuid.Parse(f.CollectionID); err != nil || f.Name != segmentBlobName(f.CollectionID) {
			return nil, newError(op, KindCorruptRecord, fmt.Errorf("unexpected segment blob %q", f.Name))
		}
	}
	return &m, nil
}

// VerifyBackup reads every file of the backup in src and checks its size
// and digest.
func VerifyBackup(ctx context.Context, src blobstore.BlobStore) (*BackupManifest, error) {
	const op = "verify_backup"
	m, err := ReadBackupManifest(ctx, src)
	if err != nil {
		return nil, err
	}
	files := append([]BackupFile{m.Catalog}, m.Segments...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backupConcurrency)
	for _, f := range files {
		g.Go(func() error {
			return copyVerified(gctx, src, f, io.Discard)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translateError(op, err)
	}
	return m, nil
}

func checkDigest(f BackupFile, data []byte) error {
	h, err := newDigest()
	if err != nil {
		return err
	}
	_, _ = h.Write(data)
	return compareDigest(f, int64(len(data)), h)
}

func compareDigest(f BackupFile, n int64, h hash.Hash) error {
	if n != f.Size {
		return fmt.Errorf("%w: backup file %s has %d bytes, expected %d", record.ErrCorrupt, f.Name, n, f.Size)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != f.Digest {
		return fmt.Errorf("%w: backup file %s digest mismatch", record.ErrCorrupt, f.Name)
	}
	return nil
}

// copyVerified streams the blob f to w and checks it against its digest.
func copyVerified(ctx context.Context, src blobstore.BlobStore, f BackupFile, w io.Writer) error {
	b, err := src.Open(ctx, f.Name)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	if b.Size() != f.Size {
		return fmt.Errorf("%w: backup file %s has %d bytes, expected %d", record.ErrCorrupt, f.Name, b.Size(), f.Size)
	}

	h, err := newDigest()
	if err != nil {
		return err
	}
	var n int64
	if f.Size > 0 {
		rc, err := b.ReadRange(ctx, 0, f.Size)
		if err != nil {
			return err
		}
		n, err = io.Copy(io.MultiWriter(w, h), rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return compareDigest(f, n, h)
}

// restoreFile downloads f to dst through a temporary file, verifying it
// before the rename.
func restoreFile(ctx context.Context, src blobstore.BlobStore, fsys fs.FileSystem, f BackupFile, dst string) error {
	tmp := dst + ".tmp"
	out, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := copyVerified(ctx, src, f, out); err != nil {
		_ = out.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, dst); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(fsys, filepath.Dir(dst))
}
