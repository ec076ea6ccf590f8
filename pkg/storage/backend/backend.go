// Package backend opens a storage.Backend from a location URL so callers never
// branch on the concrete backend type.
//
//	file:///var/lib/healthflow/raw
//	minio://bucket/optional/prefix
//	s3://bucket/optional/prefix
//	mem://
package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/your-org/healthflow/pkg/storage"
	"github.com/your-org/healthflow/pkg/storage/localfs"
	"github.com/your-org/healthflow/pkg/storage/memstore"
	"github.com/your-org/healthflow/pkg/storage/objectstore"
)

// Options carries object store credentials and the payload codec.
type Options struct {
	Endpoint    string
	Region      string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	Compression storage.Compression
}

// Open resolves rawURL to a backend and applies the configured compression.
func Open(ctx context.Context, rawURL string, opts Options) (storage.Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse storage url: %w", err)
	}

	var b storage.Backend
	switch strings.ToLower(u.Scheme) {
	case "file", "":
		root := u.Path
		if u.Scheme == "" {
			root = rawURL
		}
		b, err = localfs.New(root)
	case "mem":
		b = memstore.New()
	case "minio", "s3":
		b, err = objectstore.New(ctx, objectstore.Config{
			Provider:  strings.ToLower(u.Scheme),
			Endpoint:  opts.Endpoint,
			Region:    opts.Region,
			Bucket:    u.Host,
			Prefix:    strings.Trim(u.Path, "/"),
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			UseSSL:    opts.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", u.Scheme, err)
	}

	return storage.Compress(b, opts.Compression), nil
}
