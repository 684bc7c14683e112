// Package metadata provides typed metadata documents and where-filters for
// collection records.
//
// # Metadata Types
//
// Metadata values can be:
//
//   - String: metadata.String("tech")
//   - Int: metadata.Int(2024)
//   - Float: metadata.Float(3.14)
//   - Bool: metadata.Bool(true)
//   - Array: metadata.Array([]metadata.Value{...})
//
// Example:
//
//	meta := metadata.Document{
//	    "category": metadata.String("tech"),
//	    "year":     metadata.Int(2024),
//	}
//
// # Filters
//
// A [FilterSet] is a conjunction of [Filter] conditions, optionally combined
// with a disjunction of nested sets:
//
//	where := metadata.NewFilterSet(
//	    metadata.Eq("category", metadata.String("tech")),
//	    metadata.Gte("year", metadata.Int(2023)),
//	)
//	where.Or = []*metadata.FilterSet{
//	    metadata.NewFilterSet(metadata.Eq("status", metadata.String("published"))),
//	    metadata.NewFilterSet(metadata.Eq("status", metadata.String("featured"))),
//	}
//
// # Encoding
//
// Documents have a compact binary encoding (uvarint lengths, sorted keys) used
// inside segment log entries and the catalog. Decoding validates every length
// against the remaining input.
package metadata
