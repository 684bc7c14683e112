package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Root:         root,
		SegmentsDir:  filepath.Join(root, "segments"),
		SegmentExt:   ".vlog",
		CatalogFiles: []string{"CURRENT"},
		Debounce:     10 * time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(cfg.SegmentsDir, 0755))
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, cfg
}

func TestClassify(t *testing.T) {
	w, cfg := newTestWatcher(t)

	tests := []struct {
		name string
		ev   fsnotify.Event
		want Event
		ok   bool
	}{
		{"CurrentRenamed", fsnotify.Event{Name: filepath.Join(cfg.Root, "CURRENT"), Op: fsnotify.Create}, Event{Kind: KindCatalog}, true},
		{"TempFileIgnored", fsnotify.Event{Name: filepath.Join(cfg.Root, "CURRENT.tmp"), Op: fsnotify.Write}, Event{}, false},
		{"SegmentWrite", fsnotify.Event{Name: filepath.Join(cfg.SegmentsDir, "abc.vlog"), Op: fsnotify.Write}, Event{Kind: KindRecords, CollectionID: "abc"}, true},
		{"SegmentCreateIgnored", fsnotify.Event{Name: filepath.Join(cfg.SegmentsDir, "abc.vlog"), Op: fsnotify.Create}, Event{}, false},
		{"RemoveIgnored", fsnotify.Event{Name: filepath.Join(cfg.Root, "CURRENT"), Op: fsnotify.Remove}, Event{}, false},
		{"OtherDir", fsnotify.Event{Name: filepath.Join(cfg.Root, "x", "CURRENT"), Op: fsnotify.Write}, Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := w.classify(tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunCoalescesEvents(t *testing.T) {
	w, cfg := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, func(ev Event) bool {
			events <- ev
			return true
		})
	}()

	seg := filepath.Join(cfg.SegmentsDir, "c1.vlog")
	require.NoError(t, os.WriteFile(seg, []byte("a"), 0644))
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.Write([]byte("b"))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Root, "CURRENT"), []byte("CATALOG-000001.bin"), 0644))

	var got []Event
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if len(got) == 2 {
				break collect
			}
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.ElementsMatch(t, []Event{{Kind: KindCatalog}, {Kind: KindRecords, CollectionID: "c1"}}, got)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsWhenEmitDeclines(t *testing.T) {
	w, cfg := newTestWatcher(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(context.Background(), func(Event) bool { return false })
	}()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Root, "CURRENT"), []byte("x"), 0644))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "catalog", KindCatalog.String())
	assert.Equal(t, "records", KindRecords.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
