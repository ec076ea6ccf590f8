package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/internal/metadata"
	"github.com/your-org/healthflow/pkg/fingerprint"
	"github.com/your-org/healthflow/pkg/storage"
	"github.com/your-org/healthflow/pkg/storage/memstore"
)

var helloJSON = []byte(`{"hi":"yo"}`)

type harness struct {
	store   *fakeStore
	final   *memstore.Store
	backend *flakyBackend
	staging *memstore.Store
	handler *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		final:   memstore.New(),
		staging: memstore.New(),
	}
	h.backend = &flakyBackend{Backend: h.final}
	h.handler = NewHandler(Params{
		Store:   h.store,
		Backend: h.backend,
		Staging: h.staging,
		Layout:  Layout{Prefix: "bronze"},
		Logger:  zaptest.NewLogger(t),
	})
	return h
}

func TestHandleAPIThenSFTPDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Len(t, helloJSON, 11)

	apiMsg := inlineMessage("obj-api", metadata.SourceAPI, helloJSON)
	sftpMsg := inlineMessage("obj-sftp", metadata.SourceSFTP, helloJSON)

	outcome, err := h.handler.Handle(ctx, apiMsg)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)

	outcome, err = h.handler.Handle(ctx, sftpMsg)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)

	stored := h.store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, metadata.SourceAPI, stored[0].Source)
	assert.Equal(t, "mem://bronze/json/json/patient/"+fingerprint.Sum(helloJSON).Short()+".json", stored[0].StoragePath)

	assert.Equal(t, []metadata.Status{metadata.StatusIngested}, h.store.statuses("obj-api"))
	assert.Equal(t, []metadata.Status{metadata.StatusDuplicated}, h.store.statuses("obj-sftp"))
	assert.Contains(t, h.store.log[len(h.store.log)-1].message, fingerprint.Sum(helloJSON).Hex())
	assert.Equal(t, 1, h.backend.writeCount())
	assert.Equal(t, 1, h.final.Len())
}

func TestHandleRedeliveryAfterSuccessDoesNotRewrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := inlineMessage("obj-1", metadata.SourceAPI, helloJSON)

	_, err := h.handler.Handle(ctx, msg)
	require.NoError(t, err)
	outcome, err := h.handler.Handle(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, Ack, outcome)
	assert.Equal(t, 1, h.backend.writeCount())
	assert.Equal(t, []metadata.Status{metadata.StatusIngested}, h.store.statuses("obj-1"))
}

func TestHandleCrashAfterWriteFinalizesWithoutSecondWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := inlineMessage("obj-1", metadata.SourceAPI, helloJSON)

	// First attempt claimed and wrote, then died before Complete.
	_, err := h.store.Claim(ctx, msg.Record())
	require.NoError(t, err)
	path := Layout{Prefix: "bronze"}.PathFor(msg.Record())
	require.NoError(t, storage.WriteBytes(ctx, h.final, path, helloJSON))

	outcome, err := h.handler.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)
	assert.Equal(t, 0, h.backend.writeCount())
	assert.Equal(t, []metadata.Status{metadata.StatusIngested}, h.store.statuses("obj-1"))
}

func TestHandleTransientFailureRetriesThenStores(t *testing.T) {
	h := newHarness(t)
	h.backend.failWrites = 1
	ctx := context.Background()
	msg := inlineMessage("obj-1", metadata.SourceAPI, helloJSON)

	outcome, err := h.handler.Handle(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, Retry, outcome)
	assert.Empty(t, h.store.stored())

	outcome, err = h.handler.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)
	assert.Len(t, h.store.stored(), 1)
	assert.Equal(t, []metadata.Status{metadata.StatusFailed, metadata.StatusIngested}, h.store.statuses("obj-1"))
}

func TestHandleDuplicateCompletesUnstoredOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := inlineMessage("obj-api", metadata.SourceAPI, helloJSON)
	_, err := h.store.Claim(ctx, owner.Record())
	require.NoError(t, err)

	dup := inlineMessage("obj-sftp", metadata.SourceSFTP, helloJSON)
	require.NoError(t, storage.WriteBytes(ctx, h.staging, "staging/sftp/obj-sftp", helloJSON))
	dup.Payload = ingestion.PayloadRef{Kind: ingestion.PayloadStaged, StagingKey: "staging/sftp/obj-sftp"}

	outcome, err := h.handler.Handle(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)

	stored := h.store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "obj-api", stored[0].ObjectID)
	assert.Contains(t, stored[0].StoragePath, "bronze/json/json/patient/")
	assert.Equal(t, []metadata.Status{metadata.StatusIngested}, h.store.statuses("obj-api"))
	assert.Equal(t, []metadata.Status{metadata.StatusDuplicated}, h.store.statuses("obj-sftp"))
	assert.Equal(t, 0, h.staging.Len())

	// The owner's own message now only re-acks.
	outcome, err = h.handler.Handle(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)
	assert.Equal(t, 1, h.backend.writeCount())
	assert.Equal(t, []metadata.Status{metadata.StatusIngested}, h.store.statuses("obj-api"))
}

func TestHandleNSubmissionsYieldOneRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		src := metadata.SourceAPI
		if i%2 == 1 {
			src = metadata.SourceSFTP
		}
		outcome, err := h.handler.Handle(ctx, inlineMessage(id, src, helloJSON))
		require.NoError(t, err)
		require.Equal(t, Ack, outcome)
	}

	assert.Len(t, h.store.stored(), 1)
	assert.Equal(t, 1, h.store.count(metadata.StatusIngested))
	assert.Equal(t, len(ids)-1, h.store.count(metadata.StatusDuplicated))
}

func TestHandleConcurrentClaimsOnOneFingerprint(t *testing.T) {
	const n = 8
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		ctx := context.Background()

		start := make(chan struct{})
		outcomes := make([]Outcome, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			src := metadata.SourceAPI
			if i%2 == 1 {
				src = metadata.SourceSFTP
			}
			msg := inlineMessage(fmt.Sprintf("obj-%d", i), src, helloJSON)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				outcomes[i], errs[i] = h.handler.Handle(ctx, msg)
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, Ack, outcomes[i])
		}
		require.Len(t, h.store.stored(), 1)
		assert.Equal(t, 1, h.store.count(metadata.StatusIngested))
		assert.Equal(t, n-1, h.store.count(metadata.StatusDuplicated))
		assert.Equal(t, 1, h.final.Len())
		assert.GreaterOrEqual(t, h.backend.writeCount(), 1)
	}
}

func TestHandleStagedPayloadIsRemovedAfterStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := inlineMessage("obj-1", metadata.SourceSFTP, helloJSON)
	require.NoError(t, storage.WriteBytes(ctx, h.staging, "staging/sftp/obj-1", helloJSON))
	msg.Payload = ingestion.PayloadRef{Kind: ingestion.PayloadStaged, StagingKey: "staging/sftp/obj-1"}

	outcome, err := h.handler.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, Ack, outcome)
	assert.Equal(t, 0, h.staging.Len())

	keys := h.final.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "bronze/sftp/bob/"+fingerprint.Sum(helloJSON).Short()+".json", keys[0])
}

func TestHandleMissingStagedPayloadDeadLetters(t *testing.T) {
	h := newHarness(t)
	msg := inlineMessage("obj-1", metadata.SourceSFTP, helloJSON)
	msg.Payload = ingestion.PayloadRef{Kind: ingestion.PayloadStaged, StagingKey: "staging/sftp/gone"}

	outcome, err := h.handler.Handle(context.Background(), msg)
	assert.Equal(t, DeadLetter, outcome)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []metadata.Status{metadata.StatusFailed}, h.store.statuses("obj-1"))
}

func TestHandleFingerprintMismatchDeadLetters(t *testing.T) {
	h := newHarness(t)
	msg := inlineMessage("obj-1", metadata.SourceAPI, helloJSON)
	msg.Payload.Inline = []byte(`{"hi":"no"}`)

	outcome, err := h.handler.Handle(context.Background(), msg)
	assert.Equal(t, DeadLetter, outcome)
	assert.ErrorIs(t, err, fingerprint.ErrMismatch)
	assert.Equal(t, 0, h.final.Len())
	assert.Empty(t, h.store.stored())
}

func TestHandleStoreFailureStops(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("connection refused")

	outcome, err := h.handler.Handle(context.Background(), inlineMessage("obj-1", metadata.SourceAPI, helloJSON))
	assert.Equal(t, Stop, outcome)
	assert.Error(t, err)
	assert.Equal(t, 0, h.backend.writeCount())
}

func TestLayoutPathFor(t *testing.T) {
	fp := fingerprint.Sum([]byte("x"))
	l := Layout{}

	api := metadata.Record{Source: metadata.SourceAPI, Format: "XML", ContentType: "fhir", Subtype: "bundle", Fingerprint: fp}
	assert.Equal(t, "bronze/fhir/XML/bundle/"+fp.Short()+".xml", l.PathFor(api))

	sftp := metadata.Record{
		Source:         metadata.SourceSFTP,
		Format:         "unknown",
		Fingerprint:    fp,
		SourceMetadata: map[string]string{"username": "../alice"},
	}
	assert.Equal(t, "bronze/sftp/alice/"+fp.Short()+".bin", l.PathFor(sftp))

	custom := Layout{Prefix: "/raw/"}
	assert.Equal(t, "raw/sftp/anonymous/"+fp.Short()+".bin", custom.PathFor(metadata.Record{Source: metadata.SourceSFTP, Fingerprint: fp}))
}
