package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the Document Store: opaque bytes addressed by key. Objects
// are written once and never rewritten by the pipeline.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Backend names accepted by New.
const (
	BackendMinio = "minio"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string

	LocalPath string
}

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendMinio, "":
		return NewMinioStore(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
	case BackendS3:
		return NewS3Store(ctx, cfg)
	case BackendLocal:
		return NewFileStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// CleanKey normalises key to a relative slash path and rejects traversal.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if key == "" {
		return "", errors.New("object key required")
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
