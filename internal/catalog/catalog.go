package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hupe1980/vecstore/distance"
	"github.com/hupe1980/vecstore/metadata"
)

var (
	// ErrNotFound is returned when a collection does not exist.
	ErrNotFound = errors.New("collection not found")
	// ErrAlreadyExists is returned when a collection name is taken.
	ErrAlreadyExists = errors.New("collection already exists")
	// ErrInvalidName is returned for names that cannot be stored.
	ErrInvalidName = errors.New("invalid collection name")
	// ErrDimensionFixed is returned when changing a known dimension.
	ErrDimensionFixed = errors.New("collection dimension already set")
	// ErrCorrupt is returned when a persisted catalog fails validation.
	ErrCorrupt = errors.New("corrupt catalog")
	// ErrConflict is returned when committing a state that is not based on
	// the latest committed version.
	ErrConflict = errors.New("catalog version conflict")
)

// MaxNameLength bounds collection names in bytes.
const MaxNameLength = 255

// Collection describes one collection.
type Collection struct {
	ID        string
	Name      string
	Dimension int // 0 until the first record fixes it
	Metric    distance.Metric
	Metadata  metadata.Document
	CreatedAt time.Time
}

// NewCollection returns a collection with a fresh id.
func NewCollection(name string, dim int, metric distance.Metric, md metadata.Document) (Collection, error) {
	if err := ValidateName(name); err != nil {
		return Collection{}, err
	}
	if dim < 0 {
		return Collection{}, fmt.Errorf("negative dimension %d", dim)
	}
	if !metric.Valid() {
		return Collection{}, fmt.Errorf("unknown metric %d", int(metric))
	}
	return Collection{
		ID:        uuid.NewString(),
		Name:      name,
		Dimension: dim,
		Metric:    metric,
		Metadata:  normalize(md),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}, nil
}

// ValidateName checks that name is non-empty, valid UTF-8, at most
// MaxNameLength bytes and free of control characters.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control character %U", ErrInvalidName, r)
		}
	}
	return nil
}

// State is a committed catalog version.
type State struct {
	Version     uint64
	Collections []Collection
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := &State{Version: s.Version, Collections: make([]Collection, len(s.Collections))}
	for i, c := range s.Collections {
		c.Metadata = c.Metadata.Clone()
		out.Collections[i] = c
	}
	return out
}

// Resolve returns the collection named name.
func (s *State) Resolve(name string) (*Collection, error) {
	for i := range s.Collections {
		if s.Collections[i].Name == name {
			return &s.Collections[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// ResolveID returns the collection with the given id.
func (s *State) ResolveID(id string) (*Collection, error) {
	for i := range s.Collections {
		if s.Collections[i].ID == id {
			return &s.Collections[i], nil
		}
	}
	return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
}

// Create adds c. Names are unique.
func (s *State) Create(c Collection) error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if _, err := s.Resolve(c.Name); err == nil {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, c.Name)
	}
	if _, err := s.ResolveID(c.ID); err == nil {
		return fmt.Errorf("%w: id %s", ErrAlreadyExists, c.ID)
	}
	s.Collections = append(s.Collections, c)
	return nil
}

// Delete removes the collection named name and returns it.
func (s *State) Delete(name string) (Collection, error) {
	for i, c := range s.Collections {
		if c.Name == name {
			s.Collections = slices.Delete(s.Collections, i, i+1)
			return c, nil
		}
	}
	return Collection{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Rename changes the name of the collection with the given id.
func (s *State) Rename(id, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	c, err := s.ResolveID(id)
	if err != nil {
		return err
	}
	if c.Name == name {
		return nil
	}
	if _, err := s.Resolve(name); err == nil {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	c.Name = name
	return nil
}

// SetDimension fixes the dimension of a collection created without one.
func (s *State) SetDimension(id string, dim int) error {
	c, err := s.ResolveID(id)
	if err != nil {
		return err
	}
	if c.Dimension == dim {
		return nil
	}
	if c.Dimension != 0 {
		return fmt.Errorf("%w: %d", ErrDimensionFixed, c.Dimension)
	}
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	c.Dimension = dim
	return nil
}

// Catalog persists catalog states.
//
// Load returns a private copy of the latest committed state; callers may
// mutate it and pass it to Commit. Commit persists s as version s.Version+1
// and fails with ErrConflict when another commit happened since s was loaded.
// Commit must only be called while holding the write lease.
type Catalog interface {
	Load(ctx context.Context) (*State, error)
	Commit(ctx context.Context, s *State) error
	Close() error
}

func normalize(md metadata.Document) metadata.Document {
	if len(md) == 0 {
		return nil
	}
	return md.Clone()
}
