package vecstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hupe1980/vecstore/distance"
	"github.com/hupe1980/vecstore/internal/catalog"
	"github.com/hupe1980/vecstore/internal/record"
	"github.com/hupe1980/vecstore/internal/segment"
	"github.com/hupe1980/vecstore/metadata"
	"golang.org/x/sync/errgroup"
)

// Collection is a handle on one collection. It identifies the collection by
// id, so it stays valid when the collection is renamed, by this handle or by
// another process.
type Collection struct {
	store *Store
	id    string

	mu   sync.RWMutex
	name string
}

// ID returns the collection id.
func (c *Collection) ID() string { return c.id }

// Name returns the collection name as last seen by this handle.
func (c *Collection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Info returns the current catalog entry of the collection.
func (c *Collection) Info(ctx context.Context) (CollectionInfo, error) {
	const op = "info"
	done, err := c.store.begin(op)
	if err != nil {
		return CollectionInfo{}, err
	}
	defer done()

	st, err := c.store.catalog.Load(ctx)
	if err != nil {
		return CollectionInfo{}, c.store.translate(op, err)
	}
	col, err := st.ResolveID(c.id)
	if err != nil {
		return CollectionInfo{}, c.store.translate(op, err)
	}
	c.setName(col.Name)
	return infoOf(col), nil
}

func (c *Collection) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// observeWrite reports a finished mutating operation to the logger and the
// metrics observer.
func (c *Collection) observeWrite(ctx context.Context, op string, records int, start time.Time, err error) {
	d := time.Since(start)
	c.store.opts.metrics.OnWrite(op, records, d, err)
	c.store.logger.WithCollection(c.Name(), c.id).LogWrite(ctx, op, records, d, err)
}

// Add inserts new records. The batch is all-or-nothing: it fails without
// writing anything if any id is already live or repeated, or if any
// embedding does not match the collection dimension.
func (c *Collection) Add(ctx context.Context, req AddRequest) error {
	return c.add(ctx, "add", req, false)
}

// Upsert inserts records that do not exist and updates those that do. For an
// existing record the embedding is replaced, the document is replaced when
// Documents is set, and a metadata element is merged into the stored
// metadata; a nil element keeps it.
func (c *Collection) Upsert(ctx context.Context, req AddRequest) error {
	return c.add(ctx, "upsert", req, true)
}

func (c *Collection) add(ctx context.Context, op string, req AddRequest, upsert bool) error {
	done, err := c.store.begin(op)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	err = c.addLocked(ctx, op, req, upsert)
	c.observeWrite(ctx, op, len(req.IDs), start, err)
	return err
}

func (c *Collection) addLocked(ctx context.Context, op string, req AddRequest, upsert bool) error {
	if err := validateIDs(op, req.IDs, true); err != nil {
		return err
	}
	if len(req.Embeddings) != len(req.IDs) {
		return invalidArgf(op, "%d ids but %d embeddings", len(req.IDs), len(req.Embeddings))
	}
	if req.Documents != nil && len(req.Documents) != len(req.IDs) {
		return invalidArgf(op, "%d ids but %d documents", len(req.IDs), len(req.Documents))
	}
	if req.Metadatas != nil && len(req.Metadatas) != len(req.IDs) {
		return invalidArgf(op, "%d ids but %d metadatas", len(req.IDs), len(req.Metadatas))
	}
	if err := validateEmbeddings(op, req.Embeddings, false); err != nil {
		return err
	}

	return c.store.write(ctx, op, func(tx *writeTx) error {
		col, err := tx.state.ResolveID(c.id)
		if err != nil {
			return err
		}
		dim, err := checkDimension(op, col.Dimension, req.Embeddings)
		if err != nil {
			return err
		}
		l, err := tx.writerLog(col.ID)
		if err != nil {
			return err
		}

		entries := make([]*record.Entry, len(req.IDs))
		for i, id := range req.IDs {
			e := &record.Entry{
				Kind:      record.KindPut,
				ID:        id,
				Embedding: cloneVector(req.Embeddings[i]),
			}
			if req.Documents != nil {
				doc := req.Documents[i]
				e.Document = &doc
			}
			var md metadata.Document
			if req.Metadatas != nil {
				md = req.Metadatas[i]
			}

			prev, err := l.Get(id)
			switch {
			case err == nil && !upsert:
				return newError(op, KindAlreadyExists, fmt.Errorf("%w: %q", ErrDuplicateID, id))
			case err == nil:
				if req.Documents == nil {
					e.Document = prev.Document
				}
				if md == nil {
					e.Metadata = prev.Metadata
				} else {
					e.Metadata = prev.Metadata.Merge(md)
				}
			case errors.Is(err, segment.ErrNotFound):
				e.Metadata = metadata.Document(nil).Merge(md)
			default:
				return err
			}
			entries[i] = e
		}
		return tx.appendFixing(col, dim, l, entries)
	})
}

// Update changes existing records. Every id must be live. Nil slices and
// nil elements keep the stored value; metadata elements are merged into the
// stored metadata. The batch is all-or-nothing.
func (c *Collection) Update(ctx context.Context, req UpdateRequest) error {
	const op = "update"
	done, err := c.store.begin(op)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	err = c.update(ctx, op, req)
	c.observeWrite(ctx, op, len(req.IDs), start, err)
	return err
}

func (c *Collection) update(ctx context.Context, op string, req UpdateRequest) error {
	if err := validateIDs(op, req.IDs, false); err != nil {
		return err
	}
	if req.Embeddings != nil && len(req.Embeddings) != len(req.IDs) {
		return invalidArgf(op, "%d ids but %d embeddings", len(req.IDs), len(req.Embeddings))
	}
	if req.Documents != nil && len(req.Documents) != len(req.IDs) {
		return invalidArgf(op, "%d ids but %d documents", len(req.IDs), len(req.Documents))
	}
	if req.Metadatas != nil && len(req.Metadatas) != len(req.IDs) {
		return invalidArgf(op, "%d ids but %d metadatas", len(req.IDs), len(req.Metadatas))
	}
	if err := validateEmbeddings(op, req.Embeddings, true); err != nil {
		return err
	}

	return c.store.write(ctx, op, func(tx *writeTx) error {
		col, err := tx.state.ResolveID(c.id)
		if err != nil {
			return err
		}
		l, err := tx.writerLog(col.ID)
		if err != nil {
			return err
		}

		entries := make([]*record.Entry, len(req.IDs))
		for i, id := range req.IDs {
			prev, err := l.Get(id)
			if err != nil {
				if errors.Is(err, segment.ErrNotFound) {
					return newError(op, KindNotFound, fmt.Errorf("record %q: %w", id, ErrNotFound))
				}
				return err
			}
			e := &record.Entry{
				Kind:      record.KindPut,
				ID:        id,
				Document:  prev.Document,
				Embedding: prev.Embedding,
				Metadata:  prev.Metadata,
			}
			if req.Embeddings != nil && req.Embeddings[i] != nil {
				if len(req.Embeddings[i]) != col.Dimension {
					return dimensionMismatch(op, col.Dimension, len(req.Embeddings[i]))
				}
				e.Embedding = cloneVector(req.Embeddings[i])
			}
			if req.Documents != nil && req.Documents[i] != nil {
				doc := *req.Documents[i]
				e.Document = &doc
			}
			if req.Metadatas != nil && req.Metadatas[i] != nil {
				e.Metadata = prev.Metadata.Merge(req.Metadatas[i])
			}
			entries[i] = e
		}
		return l.Append(entries)
	})
}

// appendFixing appends entries and, for a collection whose dimension is not
// known yet, first commits dim as its dimension. If the append fails the
// dimension is reset so that a later add may choose another one.
func (tx *writeTx) appendFixing(col *catalog.Collection, dim int, l *segment.Log, entries []*record.Entry) error {
	if col.Dimension != 0 || dim == 0 {
		return l.Append(entries)
	}

	if err := tx.state.SetDimension(col.ID, dim); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	if err := l.Append(entries); err != nil {
		if c, rerr := tx.state.ResolveID(col.ID); rerr == nil {
			c.Dimension = 0
			if cerr := tx.commit(); cerr != nil {
				tx.s.logger.ErrorContext(tx.ctx, "dimension rollback failed", "collection_id", col.ID, "error", cerr)
			}
		}
		return err
	}
	return nil
}

// Get returns records by id and/or filter. Ids that are not live are
// absent from the result. Results follow the order of req.IDs, or write
// order when no ids are given.
func (c *Collection) Get(ctx context.Context, req GetRequest) (*GetResult, error) {
	const op = "get"
	done, err := c.store.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	res, err := c.get(ctx, op, req)
	n := 0
	if res != nil {
		n = res.Len()
	}
	c.store.opts.metrics.OnRead(op, n, time.Since(start), err)
	return res, err
}

func (c *Collection) get(ctx context.Context, op string, req GetRequest) (*GetResult, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return nil, invalidArgf(op, "negative limit or offset")
	}
	if err := req.Where.Validate(); err != nil {
		return nil, newError(op, KindInvalidArgument, err)
	}

	_, l, err := c.store.readLog(ctx, c.id)
	if err != nil {
		return nil, c.store.translate(op, err)
	}

	inc := req.Include.resolve(false)
	res := &GetResult{IDs: []string{}}
	if inc.Documents {
		res.Documents = []*string{}
	}
	if inc.Embeddings {
		res.Embeddings = [][]float64{}
	}
	if inc.Metadatas {
		res.Metadatas = []metadata.Document{}
	}

	skip := req.Offset
	emit := func(e *record.Entry) bool {
		if !matches(e, req.Where, req.WhereDocument) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		res.IDs = append(res.IDs, e.ID)
		if inc.Documents {
			res.Documents = append(res.Documents, e.Document)
		}
		if inc.Embeddings {
			res.Embeddings = append(res.Embeddings, e.Embedding)
		}
		if inc.Metadatas {
			res.Metadatas = append(res.Metadatas, e.Metadata)
		}
		return req.Limit == 0 || len(res.IDs) < req.Limit
	}

	if len(req.IDs) > 0 {
		ids := make([]string, 0, len(req.IDs))
		seen := make(map[string]struct{}, len(req.IDs))
		for _, id := range req.IDs {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, c.store.translate(op, err)
		}
		entries, err := l.GetMany(ids)
		if err != nil {
			return nil, c.store.translate(op, err)
		}
		for _, e := range entries {
			if e != nil && !emit(e) {
				break
			}
		}
		return res, nil
	}

	for e, err := range l.Scan() {
		if err != nil {
			return nil, c.store.translate(op, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, c.store.translate(op, err)
		}
		if !emit(e) {
			break
		}
	}
	return res, nil
}

// Delete removes the selected live records with one tombstone frame. Ids
// that are not live are skipped. When both ids and filters are given, only
// listed ids that match the filters are removed.
func (c *Collection) Delete(ctx context.Context, req DeleteRequest) error {
	const op = "delete"
	done, err := c.store.begin(op)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	n, err := c.delete(ctx, op, req)
	c.observeWrite(ctx, op, n, start, err)
	return err
}

func (c *Collection) delete(ctx context.Context, op string, req DeleteRequest) (int, error) {
	if len(req.IDs) == 0 && req.Where == nil && req.WhereDocument == nil {
		return 0, invalidArgf(op, "ids or a filter is required")
	}
	if err := req.Where.Validate(); err != nil {
		return 0, newError(op, KindInvalidArgument, err)
	}
	for _, id := range req.IDs {
		if id == "" {
			return 0, invalidArgf(op, "empty id")
		}
	}

	var n int
	err := c.store.write(ctx, op, func(tx *writeTx) error {
		if _, err := tx.state.ResolveID(c.id); err != nil {
			return err
		}
		l, err := tx.writerLog(c.id)
		if err != nil {
			return err
		}

		var entries []*record.Entry
		seen := make(map[string]struct{})
		add := func(e *record.Entry) {
			if _, dup := seen[e.ID]; dup || !matches(e, req.Where, req.WhereDocument) {
				return
			}
			seen[e.ID] = struct{}{}
			entries = append(entries, record.Tombstone(e.ID))
		}

		if len(req.IDs) > 0 {
			for _, id := range req.IDs {
				e, err := l.Get(id)
				if errors.Is(err, segment.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				add(e)
			}
		} else {
			for e, err := range l.Scan() {
				if err != nil {
					return err
				}
				add(e)
			}
		}

		n = len(entries)
		if n == 0 {
			return nil
		}
		return l.Append(entries)
	})
	return n, err
}

// Count returns the number of live records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	const op = "count"
	done, err := c.store.begin(op)
	if err != nil {
		return 0, err
	}
	defer done()

	_, l, err := c.store.readLog(ctx, c.id)
	if err != nil {
		return 0, c.store.translate(op, err)
	}
	return l.Count(), nil
}

// Query ranks the live records by distance to each query embedding and
// returns the nearest NResults per query. Groups keep the order of
// req.Embeddings; within a group ties are broken by ascending id.
func (c *Collection) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	const op = "query"
	done, err := c.store.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	res, candidates, err := c.query(ctx, op, req)
	k := req.NResults
	if k == 0 {
		k = DefaultNResults
	}
	c.store.opts.metrics.OnQuery(len(req.Embeddings), k, time.Since(start), err)
	c.store.logger.WithCollection(c.Name(), c.id).LogQuery(ctx, len(req.Embeddings), k, candidates, err)
	return res, err
}

func (c *Collection) query(ctx context.Context, op string, req QueryRequest) (*QueryResult, int, error) {
	if len(req.Embeddings) == 0 {
		return nil, 0, invalidArgf(op, "no query embeddings")
	}
	if req.NResults < 0 {
		return nil, 0, invalidArgf(op, "negative n_results %d", req.NResults)
	}
	k := req.NResults
	if k == 0 {
		k = DefaultNResults
	}
	if err := req.Where.Validate(); err != nil {
		return nil, 0, newError(op, KindInvalidArgument, err)
	}
	if err := validateEmbeddings(op, req.Embeddings, false); err != nil {
		return nil, 0, err
	}

	col, l, err := c.store.readLog(ctx, c.id)
	if err != nil {
		return nil, 0, c.store.translate(op, err)
	}
	inc := req.Include.resolve(true)
	res := newQueryResult(len(req.Embeddings), inc)
	if col.Dimension == 0 {
		return res, 0, nil
	}
	for _, q := range req.Embeddings {
		if len(q) != col.Dimension {
			return nil, 0, dimensionMismatch(op, col.Dimension, len(q))
		}
	}
	fn, err := distance.Provider(col.Metric)
	if err != nil {
		return nil, 0, newError(op, KindCorruptRecord, err)
	}

	var (
		candidates []*record.Entry
		ids        []string
		vectors    [][]float64
	)
	for e, err := range l.Scan() {
		if err != nil {
			return nil, 0, c.store.translate(op, err)
		}
		if !matches(e, req.Where, req.WhereDocument) {
			continue
		}
		candidates = append(candidates, e)
		ids = append(ids, e.ID)
		vectors = append(vectors, e.Embedding)
	}

	groups := make([][]distance.Neighbor[int], len(req.Embeddings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.store.opts.queryConcurrency)
	for i, q := range req.Embeddings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			groups[i] = distance.Search(q, ids, vectors, k, fn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, c.store.translate(op, err)
	}

	for i, group := range groups {
		res.fill(i, group, candidates, inc)
	}
	return res, len(candidates), nil
}

func newQueryResult(n int, inc Include) *QueryResult {
	res := &QueryResult{IDs: make([][]string, n)}
	for i := range res.IDs {
		res.IDs[i] = []string{}
	}
	if inc.Distances {
		res.Distances = make([][]float64, n)
	}
	if inc.Documents {
		res.Documents = make([][]*string, n)
	}
	if inc.Embeddings {
		res.Embeddings = make([][][]float64, n)
	}
	if inc.Metadatas {
		res.Metadatas = make([][]metadata.Document, n)
	}
	for i := 0; i < n; i++ {
		res.fill(i, nil, nil, inc)
	}
	return res
}

func (r *QueryResult) fill(i int, group []distance.Neighbor[int], candidates []*record.Entry, inc Include) {
	ids := make([]string, len(group))
	var (
		dists []float64
		docs  []*string
		embs  [][]float64
		metas []metadata.Document
	)
	if inc.Distances {
		dists = make([]float64, len(group))
	}
	if inc.Documents {
		docs = make([]*string, len(group))
	}
	if inc.Embeddings {
		embs = make([][]float64, len(group))
	}
	if inc.Metadatas {
		metas = make([]metadata.Document, len(group))
	}
	for j, nb := range group {
		e := candidates[nb.Value]
		ids[j] = nb.ID
		if dists != nil {
			dists[j] = nb.Distance
		}
		if docs != nil {
			docs[j] = e.Document
		}
		if embs != nil {
			embs[j] = e.Embedding
		}
		if metas != nil {
			metas[j] = e.Metadata
		}
	}
	r.IDs[i] = ids
	if inc.Distances {
		r.Distances[i] = dists
	}
	if inc.Documents {
		r.Documents[i] = docs
	}
	if inc.Embeddings {
		r.Embeddings[i] = embs
	}
	if inc.Metadatas {
		r.Metadatas[i] = metas
	}
}

// Rename changes the collection name. It fails with ErrAlreadyExists if
// another collection has that name.
func (c *Collection) Rename(ctx context.Context, name string) error {
	const op = "rename"
	done, err := c.store.begin(op)
	if err != nil {
		return err
	}
	defer done()

	err = c.store.write(ctx, op, func(tx *writeTx) error {
		if err := tx.state.Rename(c.id, name); err != nil {
			return err
		}
		return tx.commit()
	})
	c.store.logger.LogCollection(ctx, "rename", name, err)
	if err != nil {
		return err
	}
	c.setName(name)
	return nil
}

// SetMetadata replaces the collection metadata. Null values are dropped.
func (c *Collection) SetMetadata(ctx context.Context, md metadata.Document) error {
	const op = "set_metadata"
	done, err := c.store.begin(op)
	if err != nil {
		return err
	}
	defer done()

	return c.store.write(ctx, op, func(tx *writeTx) error {
		col, err := tx.state.ResolveID(c.id)
		if err != nil {
			return err
		}
		col.Metadata = metadata.Document(nil).Merge(md)
		return tx.commit()
	})
}

// Fork copies the live records of the collection into a new collection
// named name, with the same dimension, metric and metadata.
func (c *Collection) Fork(ctx context.Context, name string) (*Collection, error) {
	const op = "fork"
	done, err := c.store.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	var (
		out    *Collection
		copied int
	)
	err = c.store.write(ctx, op, func(tx *writeTx) error {
		src, err := tx.state.ResolveID(c.id)
		if err != nil {
			return err
		}
		nc, err := catalog.NewCollection(name, src.Dimension, src.Metric, src.Metadata)
		if err != nil {
			return newError(op, KindInvalidArgument, err)
		}
		if err := tx.state.Create(nc); err != nil {
			return err
		}

		sl, err := tx.writerLog(src.ID)
		if err != nil {
			return err
		}
		var entries []*record.Entry
		for e, err := range sl.Scan() {
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}

		dl, err := c.store.createLog(nc.ID)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := dl.Append(entries); err != nil {
				_ = c.store.removeLog(nc.ID)
				return err
			}
		}
		if err := tx.commit(); err != nil {
			_ = c.store.removeLog(nc.ID)
			return err
		}
		copied = len(entries)
		out = c.store.handle(&nc)
		return nil
	})
	c.observeWrite(ctx, op, copied, start, err)
	c.store.logger.LogCollection(ctx, "fork", name, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matches(e *record.Entry, where *metadata.FilterSet, whereDoc *WhereDocument) bool {
	if where != nil && !where.Matches(e.Metadata) {
		return false
	}
	return whereDoc.Matches(e.Document)
}

// validateIDs rejects empty batches, empty ids and ids repeated within the
// batch. Repeats are reported as ErrDuplicateID when dupIsConflict is set.
func validateIDs(op string, ids []string, dupIsConflict bool) error {
	if len(ids) == 0 {
		return invalidArgf(op, "no ids")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return invalidArgf(op, "empty id")
		}
		if _, dup := seen[id]; dup {
			if dupIsConflict {
				return newError(op, KindAlreadyExists, fmt.Errorf("%w: %q repeated in batch", ErrDuplicateID, id))
			}
			return invalidArgf(op, "id %q repeated in batch", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// validateEmbeddings rejects NaN and infinite components. Nil vectors are
// allowed only when allowNil is set.
func validateEmbeddings(op string, vecs [][]float64, allowNil bool) error {
	for i, v := range vecs {
		if v == nil && allowNil {
			continue
		}
		for _, f := range v {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return invalidArgf(op, "embedding %d has a non-finite component", i)
			}
		}
	}
	return nil
}

// checkDimension verifies that every vector has length dim. With dim 0 the
// first vector fixes it. It returns the resulting dimension.
func checkDimension(op string, dim int, vecs [][]float64) (int, error) {
	for _, v := range vecs {
		if dim == 0 {
			if len(v) == 0 {
				return 0, invalidArgf(op, "empty embedding")
			}
			dim = len(v)
			continue
		}
		if len(v) != dim {
			return 0, dimensionMismatch(op, dim, len(v))
		}
	}
	return dim, nil
}

func cloneVector(v []float64) []float64 {
	return append([]float64(nil), v...)
}
