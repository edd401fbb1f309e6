package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FSConfig holds filesystem backend settings.
type FSConfig struct {
	BaseDir       string
	PublicBaseURL string
	SigningSecret string
}

// FSStore is the development backend. Objects live under BaseDir; presigned
// URLs point at the API's dev object route and carry an HMAC token over
// (key, expiry) so the serving layer can reject tampered or expired links.
type FSStore struct {
	baseDir       string
	publicBaseURL string
	secret        []byte
	logger        *slog.Logger
}

// NewFSStore creates the filesystem backend, creating BaseDir if needed.
func NewFSStore(cfg *FSConfig, logger *slog.Logger) (*FSStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("fs storage base dir is required")
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	secret := cfg.SigningSecret
	if secret == "" {
		secret = "dev-only-presign-secret"
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	return &FSStore{
		baseDir:       cfg.BaseDir,
		publicBaseURL: baseURL,
		secret:        []byte(secret),
		logger:        logger,
	}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty object key")
	}
	// Clean anchors the key below the base dir so ".." cannot escape it.
	return filepath.Join(s.baseDir, clean), nil
}

// Get reads the object bytes.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	return data, nil
}

// Put writes the object, creating parent directories as needed. The content
// type is not stored; the dev serving layer sniffs it on the way out.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}

	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}

	s.logger.Debug("Object written",
		slog.String("key", key),
		slog.Int("size", len(data)),
	)

	return nil
}

// PresignGet builds a token-gated URL for the API's dev object route.
func (s *FSStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}

	expires := time.Now().Add(ttl).Unix()
	token := s.sign(key, expires)

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("token", token)

	return fmt.Sprintf("%s/dev/object/%s?%s", s.publicBaseURL, key, q.Encode()), nil
}

// Exists reports whether the object is present.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	return true, nil
}

// List walks the base dir and returns keys under the prefix.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(s.baseDir, p)
		if relErr != nil {
			return relErr
		}

		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}

	return keys, nil
}

// VerifyToken checks a dev presign token against (key, expires). Used by the
// API's object serving handler.
func (s *FSStore) VerifyToken(key string, expires int64, token string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	expected := s.sign(key, expires)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (s *FSStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
