package vecstore

import (
	"context"
	"path/filepath"

	"github.com/hupe1980/vecstore/internal/catalog"
	"github.com/hupe1980/vecstore/internal/watch"
)

// ChangeKind classifies a Change.
type ChangeKind int

const (
	// ChangeCatalog means collections were created, deleted, renamed or
	// otherwise changed.
	ChangeCatalog ChangeKind = iota + 1
	// ChangeRecords means records of one collection were written.
	ChangeRecords
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCatalog:
		return "catalog"
	case ChangeRecords:
		return "records"
	default:
		return "unknown"
	}
}

// Change notifies that the store directory was modified, by this handle or
// by any other. Reads issued after receiving a Change observe it.
type Change struct {
	Kind         ChangeKind
	CollectionID string // set for ChangeRecords
}

// Watch returns a channel of changes to the store directory. Bursts of file
// events are coalesced. The channel is closed when ctx is done, when the
// store is closed, or when watching fails. A slow consumer delays delivery.
func (s *Store) Watch(ctx context.Context) (<-chan Change, error) {
	const op = "watch"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	files := []string{catalog.CurrentFileName}
	if s.backend == CatalogSQLite {
		files = []string{catalog.SQLiteFileName, catalog.SQLiteFileName + "-wal"}
	}
	w, err := watch.New(watch.Config{
		Root:         s.path,
		SegmentsDir:  filepath.Join(s.path, SegmentsDir),
		SegmentExt:   SegmentExt,
		CatalogFiles: files,
	})
	if err != nil {
		return nil, translateError(op, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	ch := make(chan Change, 16)
	s.watches.Add(1)
	go func() {
		defer s.watches.Done()
		defer close(ch)
		defer cancel()
		defer stop()
		defer func() { _ = w.Close() }()

		err := w.Run(wctx, func(ev watch.Event) bool {
			c := Change{CollectionID: ev.CollectionID}
			switch ev.Kind {
			case watch.KindCatalog:
				c.Kind = ChangeCatalog
			case watch.KindRecords:
				c.Kind = ChangeRecords
			}
			select {
			case ch <- c:
				return true
			case <-wctx.Done():
				return false
			}
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "watch stopped", "error", err)
		}
	}()
	return ch, nil
}
