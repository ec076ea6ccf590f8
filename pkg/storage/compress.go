package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Compression names a payload codec applied by Compress.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return "", fmt.Errorf("unsupported storage compression: %s", name)
	}
}

// Compress wraps b with the given codec. CompressionNone returns b unchanged.
func Compress(b Backend, c Compression) Backend {
	if c == CompressionGzip {
		return &gzipBackend{inner: b}
	}
	return b
}

// gzipBackend stores objects gzip compressed under "<path>.gz".
type gzipBackend struct {
	inner Backend
}

func (g *gzipBackend) key(p string) string {
	return strings.TrimSuffix(p, "/") + ".gz"
}

// Write spools the compressed stream to a temp file so the inner backend
// always receives a known size.
func (g *gzipBackend) Write(ctx context.Context, p string, r io.Reader, _ int64) error {
	tmp, err := os.CreateTemp("", "healthflow-gz-*")
	if err != nil {
		return fmt.Errorf("create gzip spool: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw := gzip.NewWriter(tmp)
	if _, err := io.Copy(zw, r); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish gzip stream: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("size gzip spool: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind gzip spool: %w", err)
	}
	return g.inner.Write(ctx, g.key(p), tmp, size)
}

func (g *gzipBackend) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, err := g.inner.Read(ctx, g.key(p))
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	return &gzipReadCloser{Reader: zr, src: rc}, nil
}

func (g *gzipBackend) Exists(ctx context.Context, p string) (bool, error) {
	return g.inner.Exists(ctx, g.key(p))
}

func (g *gzipBackend) Delete(ctx context.Context, p string) error {
	return g.inner.Delete(ctx, g.key(p))
}

func (g *gzipBackend) URI(p string) string {
	return g.inner.URI(g.key(p))
}

func (g *gzipBackend) Close() error {
	return g.inner.Close()
}

type gzipReadCloser struct {
	*gzip.Reader
	src io.Closer
}

func (z *gzipReadCloser) Close() error {
	zerr := z.Reader.Close()
	if err := z.src.Close(); err != nil {
		return err
	}
	return zerr
}
