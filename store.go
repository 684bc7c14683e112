package vecstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecstore/distance"
	"github.com/hupe1980/vecstore/internal/catalog"
	"github.com/hupe1980/vecstore/internal/lease"
	"github.com/hupe1980/vecstore/internal/segment"
	"github.com/hupe1980/vecstore/metadata"
)

const (
	// LockFileName is the file locked by the write lease.
	LockFileName = "LOCK"
	// SegmentsDir holds one log file per collection.
	SegmentsDir = "segments"
	// SegmentExt is the file extension of segment logs.
	SegmentExt = ".vlog"
)

type storeState int32

const (
	stateClosed storeState = iota
	stateOpening
	stateOpen
)

// Store is a handle on a store directory.
//
// A Store is safe for concurrent use. Several handles, in this process or in
// others, may attach to the same directory; writes are serialized by a lease
// on <path>/LOCK and every handle observes the commits of the others.
type Store struct {
	path    string
	opts    options
	logger  *Logger
	backend CatalogBackend
	catalog catalog.Catalog
	lease   *lease.Lease

	state   atomic.Int32
	closeMu sync.RWMutex // held shared by operations, exclusively by Close
	ctx     context.Context // cancelled by Close
	cancel  context.CancelFunc
	watches sync.WaitGroup

	logMu sync.Mutex
	logs  map[string]*segment.Log
}

// CollectionInfo describes a collection.
type CollectionInfo struct {
	ID        string
	Name      string
	Dimension int // 0 until the first record fixes it
	Metric    distance.Metric
	Metadata  metadata.Document
	CreatedAt time.Time
}

func infoOf(c *catalog.Collection) CollectionInfo {
	return CollectionInfo{
		ID:        c.ID,
		Name:      c.Name,
		Dimension: c.Dimension,
		Metric:    c.Metric,
		Metadata:  c.Metadata.Clone(),
		CreatedAt: c.CreatedAt,
	}
}

// Open opens the store at path, creating the directory if needed.
//
// An existing store keeps the catalog backend it was created with. Opening
// removes segment logs that no committed collection refers to, which can be
// left behind by a writer that crashed mid-operation.
func Open(path string, optFns ...Option) (*Store, error) {
	const op = "open"
	if path == "" {
		return nil, invalidArgf(op, "empty path")
	}
	o := applyOptions(optFns)

	s := &Store{
		path:   path,
		opts:   o,
		logger: o.logger.WithPath(path),
		logs:   make(map[string]*segment.Log),
	}
	s.state.Store(int32(stateOpening))

	if err := o.fsys.MkdirAll(filepath.Join(path, SegmentsDir), 0755); err != nil {
		return nil, translateError(op, err)
	}

	ctx := context.Background()
	s.backend = s.detectBackend(o.catalogBackend)
	cat, err := s.openCatalog(ctx)
	if err != nil {
		return nil, translateError(op, err)
	}
	s.catalog = cat
	s.lease = lease.New(filepath.Join(path, LockFileName), o.lockPoll)

	if err := s.recover(ctx); err != nil {
		_ = s.catalog.Close()
		_ = s.lease.Close()
		return nil, translateError(op, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(stateOpen))
	s.logger.Debug("store opened", "catalog", s.backend.String())
	return s, nil
}

func (s *Store) detectBackend(preferred CatalogBackend) CatalogBackend {
	if _, err := s.opts.fsys.Stat(filepath.Join(s.path, catalog.SQLiteFileName)); err == nil {
		return CatalogSQLite
	}
	if _, err := s.opts.fsys.Stat(filepath.Join(s.path, catalog.CurrentFileName)); err == nil {
		return CatalogManifest
	}
	return preferred
}

func (s *Store) openCatalog(ctx context.Context) (catalog.Catalog, error) {
	switch s.backend {
	case CatalogManifest:
		return catalog.OpenManifest(s.path, s.opts.fsys)
	case CatalogSQLite:
		return catalog.OpenSQLite(ctx, filepath.Join(s.path, catalog.SQLiteFileName))
	default:
		return nil, invalidArgf("open", "unknown catalog backend %d", int(s.backend))
	}
}

// recover removes orphaned segment logs. It runs under the write lease; when
// another writer holds the lease for longer than the lock timeout, recovery
// is left to a later open. Torn log tails are repaired per collection before
// the first append.
func (s *Store) recover(ctx context.Context) error {
	g, err := s.lease.Acquire(ctx, s.opts.lockTimeout)
	if err != nil {
		if errors.Is(err, lease.ErrTimeout) {
			s.logger.WarnContext(ctx, "recovery skipped, write lease busy", "error", err)
			return nil
		}
		return err
	}
	defer func() { _ = g.Release() }()

	st, err := s.catalog.Load(ctx)
	if err != nil {
		s.logger.LogRecovery(ctx, 0, 0, err)
		return err
	}
	known := make(map[string]bool, len(st.Collections))
	for _, c := range st.Collections {
		known[c.ID] = true
	}

	entries, err := s.opts.fsys.ReadDir(filepath.Join(s.path, SegmentsDir))
	if err != nil {
		s.logger.LogRecovery(ctx, 0, 0, err)
		return err
	}
	orphans := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, SegmentExt) {
			continue
		}
		if known[strings.TrimSuffix(name, SegmentExt)] {
			continue
		}
		if err := s.opts.fsys.Remove(filepath.Join(s.path, SegmentsDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.LogRecovery(ctx, orphans, 0, err)
			return err
		}
		orphans++
	}
	s.logger.LogRecovery(ctx, orphans, 0, nil)
	return nil
}

// Path returns the store directory.
func (s *Store) Path() string { return s.path }

// begin registers an operation; the returned func must be called when the
// operation returns.
func (s *Store) begin(op string) (func(), error) {
	s.closeMu.RLock()
	if storeState(s.state.Load()) != stateOpen {
		s.closeMu.RUnlock()
		return nil, newError(op, KindClosed, ErrClosed)
	}
	return s.closeMu.RUnlock, nil
}

// translate is translateError for operations on an open store, where a
// closed segment log means its collection was deleted concurrently.
func (s *Store) translate(op string, err error) error {
	if err != nil && errors.Is(err, segment.ErrClosed) && storeState(s.state.Load()) == stateOpen {
		return newError(op, KindNotFound, fmt.Errorf("collection deleted: %w", err))
	}
	return translateError(op, err)
}

// writeTx is the context of one mutating operation. It holds the write
// lease and the catalog state loaded after acquiring it.
type writeTx struct {
	s     *Store
	ctx   context.Context
	state *catalog.State
}

// write runs fn while holding the write lease.
func (s *Store) write(ctx context.Context, op string, fn func(tx *writeTx) error) error {
	start := time.Now()
	g, err := s.lease.Acquire(ctx, s.opts.lockTimeout)
	waited := time.Since(start)
	if g != nil {
		waited = g.Waited()
	}
	s.opts.metrics.OnLease(waited, err)
	s.logger.LogLease(ctx, waited, err)
	if err != nil {
		return s.translate(op, err)
	}
	defer func() {
		if err := g.Release(); err != nil {
			s.logger.ErrorContext(ctx, "write lease release failed", "error", err)
		}
	}()

	st, err := s.catalog.Load(ctx)
	if err != nil {
		return s.translate(op, err)
	}
	return s.translate(op, fn(&writeTx{s: s, ctx: ctx, state: st}))
}

// commit persists the transaction's catalog state.
func (tx *writeTx) commit() error {
	return tx.s.catalog.Commit(tx.ctx, tx.state)
}

// writerLog returns the log of a collection, refreshed and with any torn
// tail removed, ready for appending.
func (tx *writeTx) writerLog(id string) (*segment.Log, error) {
	l, err := tx.s.openLog(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	torn, err := l.Recover()
	if err != nil {
		return nil, err
	}
	if torn > 0 {
		tx.s.logger.LogRecovery(tx.ctx, 0, torn, nil)
	}
	return l, nil
}

func (s *Store) segmentPath(id string) string {
	return filepath.Join(s.path, SegmentsDir, id+SegmentExt)
}

func (s *Store) segmentOptions(o *segment.Options) {
	o.FS = s.opts.fsys
	o.Compression = s.opts.compression
}

// openLog returns the cached log of a collection, replaying it on first use.
func (s *Store) openLog(ctx context.Context, id string) (*segment.Log, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if l, ok := s.logs[id]; ok {
		return l, nil
	}

	start := time.Now()
	l, err := segment.Open(s.segmentPath(id), s.segmentOptions)
	d := time.Since(start)
	if err != nil {
		s.logger.LogReplay(ctx, id, 0, d, err)
		return nil, err
	}
	entries := l.Stats().Entries
	s.logger.LogReplay(ctx, id, entries, d, nil)
	s.opts.metrics.OnReplay(id, entries, d)
	s.logs[id] = l
	return l, nil
}

// createLog creates the empty log of a new collection.
func (s *Store) createLog(id string) (*segment.Log, error) {
	l, err := segment.Create(s.segmentPath(id), s.segmentOptions)
	if err != nil {
		return nil, err
	}
	s.logMu.Lock()
	if old, ok := s.logs[id]; ok {
		_ = old.Close()
	}
	s.logs[id] = l
	s.logMu.Unlock()
	return l, nil
}

// forgetLog closes and drops the cached log of a collection.
func (s *Store) forgetLog(id string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if l, ok := s.logs[id]; ok {
		_ = l.Close()
		delete(s.logs, id)
	}
}

// removeLog forgets and deletes the log file of a collection.
func (s *Store) removeLog(id string) error {
	s.forgetLog(id)
	err := s.opts.fsys.Remove(s.segmentPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// readLog resolves a collection by id in the latest catalog and returns its
// log with every frame committed so far applied.
func (s *Store) readLog(ctx context.Context, id string) (*catalog.Collection, *segment.Log, error) {
	st, err := s.catalog.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := st.ResolveID(id)
	if err != nil {
		s.forgetLog(id)
		return nil, nil, err
	}
	l, err := s.openLog(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if _, err := l.Refresh(); err != nil {
		return nil, nil, err
	}
	return c, l, nil
}

func (s *Store) handle(c *catalog.Collection) *Collection {
	return &Collection{store: s, id: c.ID, name: c.Name}
}

// CreateCollection creates a collection. It fails with ErrAlreadyExists if
// the name is taken.
func (s *Store) CreateCollection(ctx context.Context, name string, optFns ...CollectionOption) (*Collection, error) {
	const op = "create_collection"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	c, err := s.createCollection(ctx, op, name, false, optFns)
	s.logger.LogCollection(ctx, "create", name, err)
	return c, err
}

// GetOrCreateCollection returns the collection named name, creating it with
// the given options if it does not exist. Options are ignored for an
// existing collection.
func (s *Store) GetOrCreateCollection(ctx context.Context, name string, optFns ...CollectionOption) (*Collection, error) {
	const op = "get_or_create_collection"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	if st, err := s.catalog.Load(ctx); err == nil {
		if c, err := st.Resolve(name); err == nil {
			return s.handle(c), nil
		}
	}
	return s.createCollection(ctx, op, name, true, optFns)
}

func (s *Store) createCollection(ctx context.Context, op, name string, existingOK bool, optFns []CollectionOption) (*Collection, error) {
	co := applyCollectionOptions(optFns)
	nc, err := catalog.NewCollection(name, co.dimension, co.metric, co.metadata)
	if err != nil {
		return nil, newError(op, KindInvalidArgument, err)
	}

	var out *Collection
	err = s.write(ctx, op, func(tx *writeTx) error {
		if existingOK {
			if c, err := tx.state.Resolve(name); err == nil {
				out = s.handle(c)
				return nil
			}
		}
		if err := tx.state.Create(nc); err != nil {
			return err
		}
		if _, err := s.createLog(nc.ID); err != nil {
			return err
		}
		if err := tx.commit(); err != nil {
			_ = s.removeLog(nc.ID)
			return err
		}
		out = s.handle(&nc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetCollection returns the collection named name.
func (s *Store) GetCollection(ctx context.Context, name string) (*Collection, error) {
	const op = "get_collection"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	st, err := s.catalog.Load(ctx)
	if err != nil {
		return nil, s.translate(op, err)
	}
	c, err := st.Resolve(name)
	if err != nil {
		return nil, s.translate(op, err)
	}
	return s.handle(c), nil
}

// DeleteCollection deletes a collection and its records. Deleting a missing
// collection fails with ErrNotFound.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	const op = "delete_collection"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()

	err = s.write(ctx, op, func(tx *writeTx) error {
		c, err := tx.state.Delete(name)
		if err != nil {
			return err
		}
		if err := tx.commit(); err != nil {
			return err
		}
		if err := s.removeLog(c.ID); err != nil {
			// The next open removes the orphaned file.
			s.logger.WarnContext(ctx, "segment log not removed", "collection_id", c.ID, "error", err)
		}
		return nil
	})
	s.logger.LogCollection(ctx, "delete", name, err)
	return err
}

// ListCollections returns every collection in creation order.
func (s *Store) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	const op = "list_collections"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	st, err := s.catalog.Load(ctx)
	if err != nil {
		return nil, s.translate(op, err)
	}
	out := make([]CollectionInfo, len(st.Collections))
	for i := range st.Collections {
		out[i] = infoOf(&st.Collections[i])
	}
	return out, nil
}

// CountCollections returns the number of collections.
func (s *Store) CountCollections(ctx context.Context) (int, error) {
	const op = "count_collections"
	done, err := s.begin(op)
	if err != nil {
		return 0, err
	}
	defer done()

	st, err := s.catalog.Load(ctx)
	if err != nil {
		return 0, s.translate(op, err)
	}
	return len(st.Collections), nil
}

// Reset deletes every collection. It requires WithAllowReset.
func (s *Store) Reset(ctx context.Context) error {
	const op = "reset"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()
	if !s.opts.allowReset {
		return invalidArgf(op, "reset is disabled, open the store with WithAllowReset")
	}

	return s.write(ctx, op, func(tx *writeTx) error {
		removed := tx.state.Collections
		tx.state.Collections = nil
		if err := tx.commit(); err != nil {
			return err
		}
		for _, c := range removed {
			if err := s.removeLog(c.ID); err != nil {
				s.logger.WarnContext(ctx, "segment log not removed", "collection_id", c.ID, "error", err)
			}
			s.logger.LogCollection(ctx, "reset", c.Name, nil)
		}
		return nil
	})
}

// Close waits for running operations, stops watchers and releases every
// file. Closing twice is a no-op.
func (s *Store) Close() error {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateClosed)) {
		return nil
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	s.cancel()
	s.watches.Wait()

	var errs []error
	s.logMu.Lock()
	for id, l := range s.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.logs, id)
	}
	s.logMu.Unlock()

	if err := s.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lease.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Debug("store closed")
	return translateError("close", errors.Join(errs...))
}
