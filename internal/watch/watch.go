// Package watch reports changes that other processes make to a store
// directory. It watches the store root for catalog commits and the segments
// directory for appended frames.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of file events produced by one commit.
const DefaultDebounce = 20 * time.Millisecond

// Kind classifies an Event.
type Kind int

const (
	// KindCatalog means the catalog was committed.
	KindCatalog Kind = iota + 1
	// KindRecords means frames were appended to a segment log.
	KindRecords
)

func (k Kind) String() string {
	switch k {
	case KindCatalog:
		return "catalog"
	case KindRecords:
		return "records"
	default:
		return "unknown"
	}
}

// Event is one coalesced change.
type Event struct {
	Kind         Kind
	CollectionID string // set for KindRecords
}

// Config describes the layout of a store directory.
type Config struct {
	Root         string
	SegmentsDir  string
	SegmentExt   string
	CatalogFiles []string // base names of files in Root whose changes mean a commit
	Debounce     time.Duration
}

// Watcher watches one store directory.
type Watcher struct {
	cfg     Config
	fsw     *fsnotify.Watcher
	catalog map[string]bool
}

// New starts watching the directories named by cfg.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Root, cfg.SegmentsDir} {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	w := &Watcher{cfg: cfg, fsw: fsw, catalog: make(map[string]bool, len(cfg.CatalogFiles))}
	for _, name := range cfg.CatalogFiles {
		w.catalog[name] = true
	}
	return w, nil
}

// classify maps a file event to a store event.
func (w *Watcher) classify(ev fsnotify.Event) (Event, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return Event{}, false
	}
	dir, base := filepath.Split(filepath.Clean(ev.Name))
	dir = filepath.Clean(dir)
	switch {
	case dir == filepath.Clean(w.cfg.Root) && w.catalog[base]:
		return Event{Kind: KindCatalog}, true
	case dir == filepath.Clean(w.cfg.SegmentsDir) && strings.HasSuffix(base, w.cfg.SegmentExt) && ev.Has(fsnotify.Write):
		return Event{Kind: KindRecords, CollectionID: strings.TrimSuffix(base, w.cfg.SegmentExt)}, true
	}
	return Event{}, false
}

// Run delivers coalesced events to emit until ctx is done, emit returns
// false, or the watcher fails. Events are flushed after the directory has
// been quiet for the debounce interval, catalog events first.
func (w *Watcher) Run(ctx context.Context, emit func(Event) bool) error {
	var (
		pending []Event
		seen    = make(map[Event]bool)
		timer   = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	flush := func() bool {
		for _, ev := range pending {
			if !emit(ev) {
				return false
			}
		}
		pending = pending[:0]
		clear(seen)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			out, ok := w.classify(ev)
			if !ok || seen[out] {
				continue
			}
			seen[out] = true
			if out.Kind == KindCatalog {
				pending = append([]Event{out}, pending...)
			} else {
				pending = append(pending, out)
			}
			timer.Reset(w.cfg.Debounce)
		case <-timer.C:
			if !flush() {
				return nil
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Dropped events; report a catalog change so that
				// consumers reload everything.
				if !emit(Event{Kind: KindCatalog}) {
					return nil
				}
				continue
			}
			return err
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
