// Package segment implements the per-collection append-only record log.
//
// A log file starts with a 12-byte header (magic "VSTORLOG", version) and is
// followed by checksummed frames produced by package record. Updates and
// deletes never rewrite earlier bytes; the latest entry for an id wins and a
// tombstone hides every earlier version.
package segment
