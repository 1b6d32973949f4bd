// Package storage provides a key-addressed blob store with local filesystem
// and S3 implementations. Uploaded CSV files are written here verbatim and
// read back during the process phase.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("storage: object not found")

// BlobStore defines the interface for raw file persistence
type BlobStore interface {
	// Put stores the contents of r under key, overwriting any existing object
	Put(ctx context.Context, key string, r io.Reader) error

	// Get retrieves the object stored under key
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object stored under key
	Delete(ctx context.Context, key string) error
}

// StorageType identifies the storage backend
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// Config holds storage configuration
type Config struct {
	Type StorageType

	// Local storage config
	LocalPath string

	// S3 storage config
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Endpoint        string // For S3-compatible services (MinIO, etc.)
}

// New creates a BlobStore implementation based on configuration
func New(cfg *Config) (BlobStore, error) {
	switch cfg.Type {
	case StorageTypeS3:
		return NewS3Store(cfg)
	case StorageTypeLocal:
		fallthrough
	default:
		return NewLocalStore(cfg.LocalPath)
	}
}
