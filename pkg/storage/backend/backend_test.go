package backend

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/healthflow/pkg/storage"
)

func TestOpenLocalFilesystem(t *testing.T) {
	root := t.TempDir()
	b, err := Open(context.Background(), "file://"+filepath.ToSlash(root), Options{})
	require.NoError(t, err)

	require.NoError(t, storage.WriteBytes(context.Background(), b, "bronze/x.json", []byte("{}")))
	assert.True(t, strings.HasSuffix(b.URI("bronze/x.json"), "/bronze/x.json"))
}

func TestOpenAppliesCompression(t *testing.T) {
	b, err := Open(context.Background(), "mem://", Options{Compression: storage.CompressionGzip})
	require.NoError(t, err)
	assert.Equal(t, "mem://a.json.gz", b.URI("a.json"))
}

func TestOpenMinioRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), "minio:///prefix", Options{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestOpenMinioUsesHostAsBucket(t *testing.T) {
	b, err := Open(context.Background(), "minio://raw/bronze", Options{Endpoint: "http://localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, "minio://raw/bronze/fhir/x.json", b.URI("fhir/x.json"))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "gopher://x", Options{})
	assert.Error(t, err)
}
