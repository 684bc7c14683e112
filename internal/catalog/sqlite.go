package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/hupe1980/vecstore/codec"
	"github.com/hupe1980/vecstore/distance"
	"github.com/hupe1980/vecstore/metadata"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// SQLiteFileName is the database file used by the SQLite backend.
const SQLiteFileName = "catalog.sqlite3"

// SQLite is the catalog backend that keeps collections in a SQLite database.
// Metadata columns are JSON documents encoded with the codec recorded in the
// meta table.
type SQLite struct {
	db    *sql.DB
	codec codec.Codec
}

// OpenSQLite opens or creates the catalog database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS collections (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL UNIQUE,
            position INTEGER NOT NULL,
            dimension INTEGER NOT NULL,
            metric TEXT NOT NULL,
            metadata TEXT,
            created_at INTEGER NOT NULL
        );`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO meta(key, value) VALUES
        ('schema_version', '1'), ('catalog_version', '0'), ('codec', ?)`, codec.Default.Name()); err != nil {
		return err
	}

	var name string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'codec'`).Scan(&name); err != nil {
		return err
	}
	c, err := codec.Lookup(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s.codec = c
	return tx.Commit()
}

// Load implements Catalog.
func (s *SQLite) Load(ctx context.Context) (*State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	version, err := catalogVersion(ctx, tx)
	if err != nil {
		return nil, err
	}
	st := &State{Version: version}

	rows, err := tx.QueryContext(ctx, `SELECT id, name, dimension, metric, metadata, created_at
        FROM collections ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c         Collection
			metric    string
			md        sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Dimension, &metric, &md, &createdAt); err != nil {
			return nil, err
		}
		if c.Metric, err = distance.ParseMetric(metric); err != nil {
			return nil, fmt.Errorf("%w: collection %q: %v", ErrCorrupt, c.Name, err)
		}
		if md.Valid && md.String != "" {
			var doc metadata.Document
			if err := s.codec.Unmarshal([]byte(md.String), &doc); err != nil {
				return nil, fmt.Errorf("%w: collection %q metadata: %v", ErrCorrupt, c.Name, err)
			}
			c.Metadata = normalize(doc)
		}
		c.CreatedAt = time.Unix(0, createdAt).UTC()
		st.Collections = append(st.Collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func catalogVersion(ctx context.Context, q queryRower) (uint64, error) {
	var v string
	if err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'catalog_version'`).Scan(&v); err != nil {
		return 0, err
	}
	version, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: catalog_version %q", ErrCorrupt, v)
	}
	return version, nil
}

// Commit implements Catalog. The whole state is replaced in one transaction.
func (s *SQLite) Commit(ctx context.Context, st *State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	version, err := catalogVersion(ctx, tx)
	if err != nil {
		return err
	}
	if version != st.Version {
		return fmt.Errorf("%w: based on %d, latest is %d", ErrConflict, st.Version, version)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM collections`); err != nil {
		return err
	}
	for i, c := range st.Collections {
		var md sql.NullString
		if len(c.Metadata) > 0 {
			b, err := s.codec.Marshal(c.Metadata)
			if err != nil {
				return err
			}
			md = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO collections(id, name, position, dimension, metric, metadata, created_at)
            VALUES(?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, i, c.Dimension, c.Metric.String(), md, c.CreatedAt.UnixNano()); err != nil {
			return err
		}
	}
	next := st.Version + 1
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = ? WHERE key = 'catalog_version'`,
		strconv.FormatUint(next, 10)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.Version = next
	return nil
}

// Close implements Catalog.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
