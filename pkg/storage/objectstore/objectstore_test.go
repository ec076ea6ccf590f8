package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/healthflow/pkg/fingerprint"
)

type recordedRequest struct {
	method string
	path   string
}

func fakeMinio(t *testing.T) (string, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		seen = append(seen, recordedRequest{method: r.Method, path: r.URL.Path})
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), seen...)
	}
}

func newTestMinio(t *testing.T, endpoint string) *minioClient {
	t.Helper()
	b, err := newMinioClient(Config{
		Provider:  "minio",
		Endpoint:  endpoint,
		Region:    "us-east-1",
		Bucket:    "raw",
		Prefix:    "bronze",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	return b.(*minioClient)
}

func TestMinioWriteRejectsMismatchBeforeUpload(t *testing.T) {
	endpoint, requests := fakeMinio(t)
	m := newTestMinio(t, endpoint)
	payload := []byte(`{"resourceType":"Patient"}`)

	r := fingerprint.NewVerifyingReader(bytes.NewReader(payload), fingerprint.Sum([]byte("other")))
	err := m.Write(context.Background(), "a.json", r, int64(len(payload)))
	assert.ErrorIs(t, err, fingerprint.ErrMismatch)
	assert.Empty(t, requests())
}

func TestMinioWriteUploadsVerifiedPayload(t *testing.T) {
	endpoint, requests := fakeMinio(t)
	m := newTestMinio(t, endpoint)
	payload := []byte(`{"resourceType":"Patient"}`)

	r := fingerprint.NewVerifyingReader(bytes.NewReader(payload), fingerprint.Sum(payload))
	require.NoError(t, m.Write(context.Background(), "a.json", r, int64(len(payload))))

	seen := requests()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, http.MethodPut, last.method)
	assert.Equal(t, "/raw/bronze/a.json", last.path)
}

func TestSpool(t *testing.T) {
	payload := []byte("clinical document")

	body, n, cleanup, err := spool(io.NopCloser(bytes.NewReader(payload)), int64(len(payload)))
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, int64(len(payload)), n)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, _, _, err = spool(io.NopCloser(bytes.NewReader(payload)), 100)
	assert.Error(t, err, "short reader")

	seeker := bytes.NewReader(payload)
	body, _, cleanup, err = spool(seeker, int64(len(payload)))
	require.NoError(t, err)
	defer cleanup()
	assert.Same(t, seeker, body)
}
