// Package storage provides a uniform artifact store over a local filesystem
// (development) or an S3-compatible object store (production). Backend
// selection is configuration-driven and invisible to the pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdhai/meeting-notes-be/internal/config"
)

// ErrNotFound is returned when no object exists under the given key.
var ErrNotFound = errors.New("object not found")

// Store is the contract the pipeline runs against.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// PresignGet returns a time-limited URL granting direct read access to
	// the object. The filesystem backend substitutes a token-gated URL
	// served by the API; its expiry is advisory, enforced at serve time.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the object keys under a prefix, used by the retrieval
	// stage to discover a meeting's input artifacts.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FromConfig builds the configured backend.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case "fs":
		return NewFSStore(&FSConfig{
			BaseDir:       cfg.Storage.FS.BaseDir,
			PublicBaseURL: cfg.Server.PublicBaseURL,
			SigningSecret: cfg.Secrets.PresignSecret,
		}, logger)
	case "s3":
		return NewS3Store(&S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			Bucket:    cfg.Storage.S3.Bucket,
			AccessKey: cfg.Secrets.S3AccessKey,
			SecretKey: cfg.Secrets.S3SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}
