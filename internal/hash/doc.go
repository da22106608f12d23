// Package hash provides the checksum used by stream footers and offline
// point files.
package hash
