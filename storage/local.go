package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/richinsley/comfyworker/job"
)

// LocalPublisher writes artifacts below a directory and returns file:// URLs.
type LocalPublisher struct {
	rootDir string
}

func NewLocalPublisher(rootDir string) *LocalPublisher {
	return &LocalPublisher{rootDir: rootDir}
}

func (u *LocalPublisher) Publish(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", job.NewStorageError("publish", err)
	}
	if err := ctx.Err(); err != nil {
		return "", job.NewStorageError(fmt.Sprintf("publish %s", k), err)
	}

	dst := filepath.Join(u.rootDir, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", job.NewStorageError(fmt.Sprintf("publish %s", k), err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", job.NewStorageError(fmt.Sprintf("publish %s", k), err)
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return "", job.NewStorageError(fmt.Sprintf("publish %s", k), err)
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + filepath.ToSlash(abs), nil
}

func (u *LocalPublisher) Exists(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, job.NewStorageError("stat", err)
	}
	_, err = os.Stat(filepath.Join(u.rootDir, filepath.FromSlash(k)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, job.NewStorageError(fmt.Sprintf("stat %s", k), err)
}
