// Package mmap maps tree files read-only into memory.
//
// A [Mapping] owns the mapped bytes; they stay valid until Close. The BKD
// reader slices packed indexes and leaf blocks straight out of the mapping,
// so callers must keep it open for as long as any reader is in use.
//
// Unix uses mmap(2) with madvise(2) hints. Windows uses
// CreateFileMapping/MapViewOfFile and ignores hints.
package mmap
