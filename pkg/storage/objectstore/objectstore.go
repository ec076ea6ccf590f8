package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/healthflow/pkg/storage"
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// New creates an object store backend based on the given configuration.
func New(ctx context.Context, cfg Config) (storage.Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	switch cfg.Provider {
	case "minio":
		return newMinioClient(cfg)
	case "s3":
		return newS3Client(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

// objectKey joins the configured prefix with a cleaned relative path.
func objectKey(prefix, key string) (string, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return cleaned, nil
	}
	return path.Join(prefix, cleaned), nil
}

// hostOnly strips a URL scheme, since the MinIO client wants host[:port].
func hostOnly(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	default:
		return endpoint, false
	}
}

type minioClient struct {
	client *minio.Client
	bucket string
	prefix string
}

func newMinioClient(cfg Config) (storage.Backend, error) {
	host, secure := hostOnly(cfg.Endpoint)
	cl, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL || secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &minioClient{client: cl, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Write relies on PutObject semantics: the object only becomes visible once
// the upload completes. Streaming readers are spooled first, so a failing
// reader never leaves a complete body on the wire.
func (m *minioClient) Write(ctx context.Context, key string, reader io.Reader, size int64) error {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return err
	}
	body, n, cleanup, err := spool(reader, size)
	if err != nil {
		return fmt.Errorf("spool object %s: %w", k, err)
	}
	defer cleanup()

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := m.client.PutObject(ctx, m.bucket, k, body, n, opts); err != nil {
		return fmt.Errorf("put object %s: %w", k, err)
	}
	return nil
}

// spool returns r as a seekable body of known length. Anything other than a
// sized io.ReadSeeker is copied to a temp file, so reader errors surface
// before the store sees a byte.
func spool(r io.Reader, size int64) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok && size >= 0 {
		return rs, size, func() {}, nil
	}
	tmp, err := os.CreateTemp("", "healthflow-spool-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create spool: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	if size >= 0 && n != size {
		cleanup()
		return nil, 0, nil, fmt.Errorf("read %d of %d bytes", n, size)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("rewind spool: %w", err)
	}
	return tmp, n, cleanup, nil
}

func (m *minioClient) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", k, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, k)
		}
		return nil, fmt.Errorf("stat object %s: %w", k, err)
	}
	return obj, nil
}

func (m *minioClient) Exists(ctx context.Context, key string) (bool, error) {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return false, err
	}
	_, err = m.client.StatObject(ctx, m.bucket, k, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", k, err)
}

func (m *minioClient) Delete(ctx context.Context, key string) error {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, k, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", k, err)
	}
	return nil
}

func (m *minioClient) URI(key string) string {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		k = key
	}
	return fmt.Sprintf("minio://%s/%s", m.bucket, k)
}

func (m *minioClient) Close() error {
	return nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
