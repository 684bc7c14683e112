// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with positional read/write, sync and truncate
//   - [FileSystem]: open, remove, rename, stat and directory operations
//
// # Implementations
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test utility that injects open, write, sync and rename failures
//
// Tests can inject [FaultyFS] to simulate failures:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".vlog", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//
// Filesystem calls take no context.Context: local syscalls are short and not
// interruptible. Remote copies go through the blobstore package instead.
package fs
