// Package storage persists small state files (preferences, the signed-in
// session, exports) under one data directory.
package storage

// Provider is the interface for state file operations. Paths are relative to
// the data directory.
type Provider interface {
	// Read returns the raw bytes of the file at path. A missing file yields an
	// error matching fs.ErrNotExist.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path with content.
	Write(path string, content []byte) error
	// Delete removes the file at path. Deleting a missing file is not an error.
	Delete(path string) error
}
