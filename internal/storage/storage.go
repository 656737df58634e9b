// Package storage defines the object store interface that tenant chain
// archives are written to, and the types shared by its backends.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// Binaries blank-import the backends they ship with. Archives are written once
// and never removed through this interface, so it carries no delete operation.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) by Download and GetMetadata when no object
// exists at the path.
var ErrNotFound = errors.New("object not found")

// Storage is an archive object store.
type Storage interface {
	// Upload stores an object and returns its path, size and SHA-256
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download returns a reader over a stored object
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// GetURL returns a URL an operator can fetch the object from.
	// Cloud backends sign it for ttl; the local backend returns a file:// URL.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists checks if an object exists at the path
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata retrieves object metadata without downloading it
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)

	// List returns the paths of all objects under prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Path is the storage path where the object was stored
	Path string `json:"path"`

	// Size is the object size in bytes
	Size int64 `json:"size"`

	// Checksum is the hex SHA-256 of the object contents
	Checksum string `json:"sha256"`
}

// FileMetadata contains metadata about a stored object
type FileMetadata struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"sha256"`
	LastModified time.Time `json:"last_modified"`
}
