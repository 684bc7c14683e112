package vecstore

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/hupe1980/vecstore/internal/catalog"
)

// CollectionStats describes the storage of one collection.
type CollectionStats struct {
	CollectionInfo
	Records      int    // live records
	Entries      int    // stored entries including overwritten ones and tombstones
	SegmentBytes int64  // bytes of complete frames
	LSN          uint64 // sequence number of the last frame
}

// StoreStats describes a store directory.
type StoreStats struct {
	Path           string
	CatalogBackend string
	CatalogVersion uint64
	Collections    []CollectionStats
}

// Inspect returns storage statistics for every collection.
func (s *Store) Inspect(ctx context.Context) (*StoreStats, error) {
	const op = "inspect"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	st, err := s.catalog.Load(ctx)
	if err != nil {
		return nil, s.translate(op, err)
	}
	out := &StoreStats{
		Path:           s.path,
		CatalogBackend: s.backend.String(),
		CatalogVersion: st.Version,
		Collections:    make([]CollectionStats, 0, len(st.Collections)),
	}
	for i := range st.Collections {
		c := &st.Collections[i]
		l, err := s.openLog(ctx, c.ID)
		if err != nil {
			return nil, s.translate(op, err)
		}
		if _, err := l.Refresh(); err != nil {
			return nil, s.translate(op, err)
		}
		ls := l.Stats()
		out.Collections = append(out.Collections, CollectionStats{
			CollectionInfo: infoOf(c),
			Records:        ls.Live,
			Entries:        ls.Entries,
			SegmentBytes:   ls.Size,
			LSN:            ls.LSN,
		})
	}
	return out, nil
}

// VerifyIssue is one inconsistency found by Verify.
type VerifyIssue struct {
	Collection string // empty for store-level issues
	Problem    string
}

func (i VerifyIssue) String() string {
	if i.Collection == "" {
		return i.Problem
	}
	return i.Collection + ": " + i.Problem
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Collections int
	Records     int
	Issues      []VerifyIssue
}

// OK reports whether no issue was found.
func (r *VerifyReport) OK() bool { return len(r.Issues) == 0 }

// Verify reads every live record of every collection and checks it against
// the catalog: record checksums, embedding dimensions and finite values. It
// also reports segment logs without a collection. Verify holds the write
// lease so that it sees no half-finished operation; it returns an error only
// when verification itself could not run. Torn log tails are repaired as
// before a write.
func (s *Store) Verify(ctx context.Context) (*VerifyReport, error) {
	const op = "verify"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	report := &VerifyReport{}
	err = s.write(ctx, op, func(tx *writeTx) error {
		report.Collections = len(tx.state.Collections)
		known := make(map[string]bool, len(tx.state.Collections))
		for i := range tx.state.Collections {
			c := &tx.state.Collections[i]
			known[c.ID] = true
			if err := ctx.Err(); err != nil {
				return err
			}
			n, issues := s.verifyCollection(tx, c)
			report.Records += n
			report.Issues = append(report.Issues, issues...)
		}

		entries, err := s.opts.fsys.ReadDir(filepath.Join(s.path, SegmentsDir))
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, SegmentExt) {
				continue
			}
			if !known[strings.TrimSuffix(name, SegmentExt)] {
				report.Issues = append(report.Issues, VerifyIssue{Problem: "orphaned segment log " + name})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Store) verifyCollection(tx *writeTx, c *catalog.Collection) (int, []VerifyIssue) {
	var issues []VerifyIssue
	report := func(format string, args ...any) {
		issues = append(issues, VerifyIssue{Collection: c.Name, Problem: fmt.Sprintf(format, args...)})
	}

	l, err := tx.writerLog(c.ID)
	if err != nil {
		report("segment log unreadable: %v", err)
		return 0, issues
	}
	n := 0
	for e, err := range l.Scan() {
		if err != nil {
			report("record unreadable: %v", err)
			break
		}
		n++
		if c.Dimension == 0 {
			report("record %q stored before the dimension was fixed", e.ID)
			continue
		}
		if len(e.Embedding) != c.Dimension {
			report("record %q has dimension %d, expected %d", e.ID, len(e.Embedding), c.Dimension)
		}
		for _, v := range e.Embedding {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				report("record %q has a non-finite embedding value", e.ID)
				break
			}
		}
	}
	if live := l.Count(); live != n {
		report("index counts %d live records, scan found %d", live, n)
	}
	return n, issues
}
