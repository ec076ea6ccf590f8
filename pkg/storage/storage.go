// Package storage defines the narrow capability every durable backend offers
// to the ingestion pipeline.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a path has no object.
var ErrNotFound = errors.New("storage: object not found")

// Backend writes and reads whole objects by relative path. Write must be
// all-or-nothing: a failed or interrupted write never leaves a partial object
// visible at path.
type Backend interface {
	Write(ctx context.Context, path string, r io.Reader, size int64) error
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	// URI is the absolute location recorded as storage_path.
	URI(path string) string
	Close() error
}

// CleanKey normalizes a relative object path and rejects escapes.
func CleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("storage: empty object path %q", key)
	}
	return cleaned, nil
}

// WriteBytes is a convenience for small payloads.
func WriteBytes(ctx context.Context, b Backend, key string, data []byte) error {
	return b.Write(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// ReadBytes reads a whole object into memory.
func ReadBytes(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, err := b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
