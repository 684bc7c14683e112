package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/vecstore/internal/fs"
)

const (
	// ManifestPrefix names the immutable catalog version files.
	ManifestPrefix = "CATALOG"
	// CurrentFileName names the pointer to the latest catalog version.
	CurrentFileName = "CURRENT"
	// KeepVersions is the number of catalog versions retained on disk.
	KeepVersions = 3
)

// Manifest is the file-based catalog backend.
//
// Every commit writes CATALOG-NNNNNN.bin and then atomically replaces
// CURRENT, which holds the name of that file. Readers in other processes
// observe a commit as soon as CURRENT is renamed into place.
type Manifest struct {
	dir  string
	fsys fs.FileSystem

	mu         sync.Mutex
	cachedName string
	cached     *State
}

// OpenManifest opens the manifest catalog in dir.
func OpenManifest(dir string, fsys fs.FileSystem) (*Manifest, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Manifest{dir: dir, fsys: fsys}, nil
}

func manifestName(version uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestPrefix, version)
}

// Load implements Catalog.
func (m *Manifest) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A concurrent commit may prune the file CURRENT pointed to between the
	// two reads; one retry sees the new pointer.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		var s *State
		s, err = m.loadLocked()
		if err == nil {
			return s.Clone(), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, err
}

func (m *Manifest) loadLocked() (*State, error) {
	current, err := fs.ReadFile(m.fsys, filepath.Join(m.dir, CurrentFileName))
	if errors.Is(err, os.ErrNotExist) {
		m.cachedName, m.cached = "", &State{}
		return m.cached, nil
	}
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(string(current))
	if name == m.cachedName && m.cached != nil {
		return m.cached, nil
	}
	if !strings.HasPrefix(name, ManifestPrefix+"-") || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: CURRENT points to %q", ErrCorrupt, name)
	}

	data, err := fs.ReadFile(m.fsys, filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", name, err)
	}
	s, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", name, err)
	}
	m.cachedName, m.cached = name, s
	return s, nil
}

// Commit implements Catalog.
func (m *Manifest) Commit(ctx context.Context, s *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	latest, err := m.loadLocked()
	if err != nil {
		return err
	}
	if latest.Version != s.Version {
		return fmt.Errorf("%w: based on %d, latest is %d", ErrConflict, s.Version, latest.Version)
	}

	next := s.Clone()
	next.Version++
	data, err := encodeState(next)
	if err != nil {
		return err
	}

	name := manifestName(next.Version)
	if err := fs.WriteFileAtomic(m.fsys, filepath.Join(m.dir, name), data, 0644); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(m.fsys, filepath.Join(m.dir, CurrentFileName), []byte(name), 0644); err != nil {
		_ = m.fsys.Remove(filepath.Join(m.dir, name))
		return err
	}

	s.Version = next.Version
	m.cachedName, m.cached = name, next
	m.pruneLocked(next.Version)
	return nil
}

// pruneLocked removes catalog versions older than the retained window.
// Failures leave extra files behind and are otherwise harmless.
func (m *Manifest) pruneLocked(latest uint64) {
	entries, err := m.fsys.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		v, ok := parseManifestName(e.Name())
		if ok && v+KeepVersions <= latest {
			_ = m.fsys.Remove(filepath.Join(m.dir, e.Name()))
		}
	}
}

func parseManifestName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, ManifestPrefix+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".bin")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(rest, 10, 64)
	return v, err == nil
}

// Versions returns the catalog versions present on disk, oldest first.
func (m *Manifest) Versions() ([]uint64, error) {
	entries, err := m.fsys.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		if v, ok := parseManifestName(e.Name()); ok {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Catalog.
func (m *Manifest) Close() error { return nil }
