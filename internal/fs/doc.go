// Package fs abstracts the file operations used for offline point spills.
//
// [LocalFS] is the production implementation. [FaultyFS] wraps any
// FileSystem and injects write, read, sync, open or close failures for
// files whose name contains a configured pattern, which lets tests drive
// the writer's temp-file cleanup paths.
package fs
