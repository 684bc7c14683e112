// Package catalog stores the collection catalog of a store: the mapping from
// collection names to their ids, dimensions, metrics and metadata.
//
// Two backends are provided. Manifest keeps each version in an immutable,
// checksummed binary file and publishes it by atomically replacing a CURRENT
// pointer file. SQLite keeps the catalog in a database file opened through
// modernc.org/sqlite.
package catalog
