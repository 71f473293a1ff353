// Package storage holds pass artifacts, pass images, certificate bundles and
// service-account keys behind one key/value interface.
package storage

import (
	"context"
	"errors"
	"fmt"

	"wallet-pass-backend/config"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage object not found")

// Store reads and writes blobs by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// URL returns the public URL of a key, or "" when it has none.
	URL(key string) string
}

// New builds the store selected by configuration.
func New(ctx context.Context, cfg config.StorageConfig, publicBaseURL string) (Store, error) {
	switch cfg.Driver {
	case "local":
		return NewLocalStore(cfg.LocalRoot, publicBaseURL), nil
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile, publicBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
