package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/richinsley/comfyworker/config"
	"github.com/richinsley/comfyworker/job"
	"go.uber.org/zap"
)

// Publisher stores an artifact under key and returns a URL the caller can fetch it from.
type Publisher interface {
	Publish(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Checker reports whether an artifact is stored under key.
type Checker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// KeyFromURL recovers the artifact key from a URL returned by Publish. Public, presigned
// and file URLs all end with the key.
func KeyFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	i := strings.Index(u.Path, "outputs/")
	if i < 0 {
		return "", false
	}
	return u.Path[i:], true
}

// New builds the publisher selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Publisher, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		return NewLocalPublisher(cfg.LocalDir), nil
	case config.StorageS3:
		return NewS3Publisher(ctx, S3Config{
			Bucket:        cfg.Bucket,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Endpoint:      cfg.Endpoint,
			Region:        cfg.Region,
			PublicURL:     cfg.PublicURL,
			UploadTimeout: cfg.UploadTimeout,
			PresignExpiry: cfg.PresignExpiry,
		}, logger)
	}
	return nil, job.NewConfigurationError("unknown storage backend %q", cfg.Backend)
}

// ArtifactKey is the object key of the i-th artifact of a job: outputs/{job_id}/{operation}_{i}.{ext}
func ArtifactKey(jobID string, op job.Operation, i int, contentType string) string {
	return path.Join("outputs", jobID, fmt.Sprintf("%s_%d%s", op, i, Extension(contentType)))
}

// Extension maps a content type to a file extension, ".png" when unknown.
func Extension(contentType string) string {
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".png"
}

func cleanKey(key string) (string, error) {
	k := strings.TrimLeft(path.Clean("/"+key), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return k, nil
}
