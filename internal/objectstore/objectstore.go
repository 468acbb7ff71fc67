// Package objectstore holds rendered page documents
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ppiankov/pepref/internal/model"
)

// ErrNotFound is returned for a missing key
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value blob store
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// DocumentKey returns the object key of a rendered page version
func DocumentKey(peptideID string, version int, ext string) string {
	return fmt.Sprintf("peptides/%s/v%d.%s", peptideID, version, strings.TrimPrefix(ext, "."))
}

// Open selects an object store by driver name
func Open(cfg model.ObjectsConfig) (Store, error) {
	switch cfg.Driver {
	case "s3":
		return NewS3(cfg)
	case "dir":
		return NewDir(cfg.Dir)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown object store driver %q", model.ErrConfig, cfg.Driver)
	}
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
