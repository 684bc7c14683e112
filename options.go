package vecstore

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/hupe1980/vecstore/distance"
	"github.com/hupe1980/vecstore/internal/fs"
	"github.com/hupe1980/vecstore/internal/record"
	"github.com/hupe1980/vecstore/metadata"
)

// DefaultLockTimeout bounds how long a write waits for the write lease.
const DefaultLockTimeout = 5 * time.Second

// CatalogBackend selects how the collection catalog is persisted.
type CatalogBackend int

const (
	// CatalogManifest stores the catalog in checksummed version files
	// published through a CURRENT pointer (default).
	CatalogManifest CatalogBackend = iota
	// CatalogSQLite stores the catalog in a SQLite database.
	CatalogSQLite
)

func (b CatalogBackend) String() string {
	switch b {
	case CatalogManifest:
		return "manifest"
	case CatalogSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// ParseCatalogBackend parses the String form of a backend.
func ParseCatalogBackend(s string) (CatalogBackend, bool) {
	switch s {
	case "manifest":
		return CatalogManifest, true
	case "sqlite":
		return CatalogSQLite, true
	default:
		return 0, false
	}
}

// Compression selects the block compression applied to stored documents.
type Compression = record.Compression

const (
	CompressionNone = record.CompressionNone
	CompressionLZ4  = record.CompressionLZ4
	CompressionZSTD = record.CompressionZSTD
)

type options struct {
	logger           *Logger
	metrics          MetricsObserver
	lockTimeout      time.Duration
	lockPoll         time.Duration
	catalogBackend   CatalogBackend
	compression      Compression
	fsys             fs.FileSystem
	queryConcurrency int
	allowReset       bool
}

// Option configures a Store.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecstore.NewJSONLogger(slog.LevelInfo)
//	s, _ := vecstore.Open("./data", vecstore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsObserver configures a metrics observer. Pass nil to disable.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLockTimeout bounds how long writes wait for the write lease before
// failing with ErrLockTimeout. Zero or less selects DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d <= 0 {
			d = DefaultLockTimeout
		}
		o.lockTimeout = d
	}
}

// WithCatalogBackend selects the catalog backend for a new store. An
// existing store is reopened with the backend it was created with,
// whatever this option says.
func WithCatalogBackend(b CatalogBackend) Option {
	return func(o *options) {
		o.catalogBackend = b
	}
}

// WithDocumentCompression compresses documents written by this handle.
// Readers decode any compression regardless of this setting.
func WithDocumentCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithQueryConcurrency limits how many query vectors of one Query call are
// ranked in parallel. Defaults to GOMAXPROCS.
func WithQueryConcurrency(n int) Option {
	return func(o *options) {
		o.queryConcurrency = n
	}
}

// WithAllowReset enables Store.Reset, which deletes every collection.
func WithAllowReset(allow bool) Option {
	return func(o *options) {
		o.allowReset = allow
	}
}

// withFileSystem replaces the file system used for segment logs and the
// manifest catalog.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:      NoopLogger(),
		metrics:     NoopMetricsObserver{},
		lockTimeout: DefaultLockTimeout,
		fsys:        fs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsObserver{}
	}
	if o.fsys == nil {
		o.fsys = fs.Default
	}
	if o.queryConcurrency <= 0 {
		o.queryConcurrency = runtime.GOMAXPROCS(0)
	}
	return o
}

type collectionOptions struct {
	dimension int
	metric    distance.Metric
	metadata  metadata.Document
}

// CollectionOption configures a collection at creation.
type CollectionOption func(*collectionOptions)

// WithDimension fixes the embedding dimension up front. Without it the
// first successful add or upsert fixes the dimension.
func WithDimension(dim int) CollectionOption {
	return func(o *collectionOptions) {
		o.dimension = dim
	}
}

// WithMetric selects the distance metric (default distance.MetricL2).
func WithMetric(m distance.Metric) CollectionOption {
	return func(o *collectionOptions) {
		o.metric = m
	}
}

// WithCollectionMetadata attaches metadata to the collection.
func WithCollectionMetadata(md metadata.Document) CollectionOption {
	return func(o *collectionOptions) {
		o.metadata = md
	}
}

func applyCollectionOptions(optFns []CollectionOption) collectionOptions {
	o := collectionOptions{metric: distance.MetricL2}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
