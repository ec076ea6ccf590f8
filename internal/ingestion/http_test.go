package ingestion

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/healthflow/pkg/storage/memstore"
)

func newTestHandler(t *testing.T, pub *fakePublisher) http.Handler {
	t.Helper()
	svc := newTestService(t, pub, memstore.New(), nil)
	return NewHTTPHandler(svc, zaptest.NewLogger(t), 64, true).Router()
}

func TestIngestQueuesPayload(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(t, pub)

	req := httptest.NewRequest(http.MethodPost, "/ingest/json/fhir/r4/patient", strings.NewReader(`{"id":"p1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["object_id"])
	assert.NotEmpty(t, body["timestamp"])

	msgs := pub.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, body["object_id"], msgs[0].ObjectID)
	assert.Equal(t, "fhir", msgs[0].ContentType)
	assert.Equal(t, "r4", msgs[0].DataVersion)
	assert.Equal(t, "patient", msgs[0].Subtype)
	assert.Equal(t, "/ingest/json/fhir/r4/patient", msgs[0].SourceMetadata["endpoint"])
}

func TestIngestRejectsOversizedBody(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(t, pub)

	req := httptest.NewRequest(http.MethodPost, "/ingest/text/hl7/v2/lab", strings.NewReader(strings.Repeat("a", 100)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var body struct {
		Detail struct {
			FileSize int64 `json:"file_size_bytes"`
			MaxSize  int64 `json:"max_size_bytes"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(100), body.Detail.FileSize)
	assert.Equal(t, int64(64), body.Detail.MaxSize)
	assert.Empty(t, pub.msgs)
}

func TestIngestRejectsMalformedJSON(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(t, pub)

	req := httptest.NewRequest(http.MethodPost, "/ingest/json/fhir/r4/patient", strings.NewReader(`{"id":`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, pub.msgs)
}

func TestIngestRejectsBadTag(t *testing.T) {
	h := newTestHandler(t, &fakePublisher{})

	req := httptest.NewRequest(http.MethodPost, "/ingest/json/fhir/r4/-patient", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &fakePublisher{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
