// Package vecstore provides a persistent, embeddable store of named vector
// collections for Go.
//
// A store is a directory. Every collection keeps its records in one
// append-only segment log, and a catalog names the collections. Several
// handles, in one process or in many, may open the same directory: writes
// are serialized by a lease on a lock file, and reads see every committed
// write of every handle without taking the lease.
//
// # Quick Start
//
//	ctx := context.Background()
//	s, _ := vecstore.Open("./data")
//	defer s.Close()
//
//	c, _ := s.GetOrCreateCollection(ctx, "articles", vecstore.WithMetric(distance.MetricCosine))
//	_ = c.Add(ctx, vecstore.AddRequest{
//	    IDs:        []string{"a", "b"},
//	    Embeddings: [][]float64{{0.1, 0.9}, {0.8, 0.2}},
//	    Documents:  []string{"first", "second"},
//	})
//
//	res, _ := c.Query(ctx, vecstore.QueryRequest{
//	    Embeddings: [][]float64{{0.2, 0.8}},
//	    NResults:   5,
//	    Where:      metadata.NewFilterSet(metadata.Eq("lang", metadata.String("en"))),
//	})
//	for _, r := range res.Records(0) {
//	    fmt.Println(r.ID, r.Distance)
//	}
//
// # Durability
//
// Every mutating call appends one checksummed frame and syncs it before
// returning, so a batch is applied completely or not at all. A frame torn
// by a crash is ignored by readers and truncated before the next write.
//
// # Catalog Backends
//
// The catalog is kept either in versioned manifest files published through
// a CURRENT pointer (the default) or in a SQLite database. The backend is
// chosen when the store is created and detected when it is reopened:
//
//	s, _ := vecstore.Open("./data", vecstore.WithCatalogBackend(vecstore.CatalogSQLite))
//
// # Errors
//
// Every operation returns *Error. Match kinds with errors.Is:
//
//	if errors.Is(err, vecstore.ErrNotFound) { ... }
//	if vecstore.KindOf(err) == vecstore.KindLockTimeout { ... }
//
// # Backups
//
// Store.Backup copies a consistent snapshot to any blobstore.BlobStore
// (local directory, S3, MinIO) and Restore recreates it in an empty
// directory, verifying every file against the digests in BACKUP.json.
package vecstore
