// Package consumer moves bus messages into durable storage. Deduplication is
// decided by the metadata store's atomic claim; a claimed record without a
// storage path is an in-flight retry, not a duplicate.
package consumer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/internal/metadata"
	"github.com/your-org/healthflow/pkg/fingerprint"
	"github.com/your-org/healthflow/pkg/metrics"
	"github.com/your-org/healthflow/pkg/storage"
	"github.com/your-org/healthflow/pkg/tracing"
)

// Outcome is the handler's decision for one message.
type Outcome int

const (
	// Ack commits the offset.
	Ack Outcome = iota
	// Retry leaves the offset uncommitted so the message is handled again.
	Retry
	// DeadLetter parks the message and commits the offset.
	DeadLetter
	// Stop halts the worker without committing. Used when the metadata store
	// is unusable.
	Stop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Store is the metadata surface the handler depends on.
type Store interface {
	Claim(ctx context.Context, rec metadata.Record) (metadata.Claim, error)
	Complete(ctx context.Context, objectID, storagePath, message string) (bool, error)
	AppendEvent(ctx context.Context, objectID string, status metadata.Status, message string) error
}

type Handler struct {
	store    Store
	backend  storage.Backend
	staging  storage.Backend
	layout   Layout
	logger   *zap.Logger
	observer *metrics.Observer
}

type Params struct {
	Store    Store
	Backend  storage.Backend
	Staging  storage.Backend
	Layout   Layout
	Logger   *zap.Logger
	Observer *metrics.Observer
}

func NewHandler(p Params) *Handler {
	logr := p.Logger
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Handler{
		store:    p.Store,
		backend:  p.Backend,
		staging:  p.Staging,
		layout:   p.Layout,
		logger:   logr,
		observer: p.Observer,
	}
}

// Handle stores msg at most once per fingerprint. The returned error explains
// every outcome other than Ack.
func (h *Handler) Handle(ctx context.Context, msg ingestion.Message) (Outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "consumer.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("ingestion.object_id", msg.ObjectID),
		attribute.String("ingestion.fingerprint", msg.Fingerprint.Short()),
		attribute.String("ingestion.source", string(msg.Source)),
	)

	outcome, err := h.handle(ctx, msg)
	span.SetAttributes(attribute.String("consumer.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	h.observer.Outcome(string(msg.Source), outcome.String())
	return outcome, err
}

func (h *Handler) handle(ctx context.Context, msg ingestion.Message) (Outcome, error) {
	logr := h.logger.With(
		zap.String("object_id", msg.ObjectID),
		zap.String("fingerprint", msg.Fingerprint.Short()),
		zap.String("source", string(msg.Source)),
	)

	claim, err := h.store.Claim(ctx, msg.Record())
	if err != nil {
		return Stop, fmt.Errorf("claim %s: %w", msg.ObjectID, err)
	}

	target := msg.Record()
	if !claim.Claimed {
		owner := claim.Existing
		if owner == nil {
			return Stop, fmt.Errorf("claim %s: owner record missing", msg.ObjectID)
		}
		if owner.Stored() {
			if owner.ObjectID == msg.ObjectID {
				logr.Info("message already stored", zap.String("storage_path", owner.StoragePath))
				h.discardStaged(msg, logr)
				return Ack, nil
			}
			if err := h.store.AppendEvent(ctx, msg.ObjectID, metadata.StatusDuplicated, duplicateNote(owner)); err != nil {
				return Stop, err
			}
			logr.Info("duplicate payload", zap.String("owner_object_id", owner.ObjectID))
			h.discardStaged(msg, logr)
			return Ack, nil
		}
		target = *owner
	}

	objectPath := h.layout.PathFor(target)
	exists, err := h.backend.Exists(ctx, objectPath)
	if err != nil {
		return h.fail(ctx, msg, Retry, fmt.Errorf("check %s: %w", objectPath, err))
	}
	if exists {
		logr.Info("object already written, finalizing metadata", zap.String("path", objectPath))
	} else if outcome, err := h.write(ctx, msg, objectPath); err != nil {
		return h.fail(ctx, msg, outcome, err)
	}

	uri := h.backend.URI(objectPath)
	changed, err := h.store.Complete(ctx, target.ObjectID, uri, fmt.Sprintf("stored at %s", uri))
	if err != nil {
		return Stop, err
	}
	if target.ObjectID != msg.ObjectID {
		if err := h.store.AppendEvent(ctx, msg.ObjectID, metadata.StatusDuplicated, duplicateNote(&target)); err != nil {
			return Stop, err
		}
	}

	logr.Info("payload stored",
		zap.String("storage_path", uri),
		zap.String("owner_object_id", target.ObjectID),
		zap.Bool("finalized", changed),
	)
	h.discardStaged(msg, logr)
	return Ack, nil
}

// write copies the payload to objectPath, verifying it against the message
// fingerprint on the way through.
func (h *Handler) write(ctx context.Context, msg ingestion.Message, objectPath string) (Outcome, error) {
	src, err := h.open(ctx, msg)
	if errors.Is(err, storage.ErrNotFound) {
		return DeadLetter, fmt.Errorf("staged payload %s: %w", msg.Payload.StagingKey, err)
	}
	if err != nil {
		return Retry, err
	}
	defer src.Close()

	start := time.Now()
	err = h.backend.Write(ctx, objectPath, fingerprint.NewVerifyingReader(src, msg.Fingerprint), msg.SizeBytes)
	h.observer.ObserveWrite(time.Since(start), err)
	switch {
	case errors.Is(err, fingerprint.ErrMismatch):
		return DeadLetter, fmt.Errorf("write %s: %w", objectPath, err)
	case err != nil:
		return Retry, fmt.Errorf("write %s: %w", objectPath, err)
	}
	return Ack, nil
}

func (h *Handler) open(ctx context.Context, msg ingestion.Message) (io.ReadCloser, error) {
	switch msg.Payload.Kind {
	case ingestion.PayloadInline:
		return io.NopCloser(bytes.NewReader(msg.Payload.Inline)), nil
	case ingestion.PayloadStaged:
		if h.staging == nil {
			return nil, fmt.Errorf("staged payload %s: %w", msg.Payload.StagingKey, storage.ErrNotFound)
		}
		rc, err := h.staging.Read(ctx, msg.Payload.StagingKey)
		if err != nil {
			return nil, fmt.Errorf("read staged payload: %w", err)
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", msg.Payload.Kind)
	}
}

// fail records a failed event for a retry or dead letter outcome.
func (h *Handler) fail(ctx context.Context, msg ingestion.Message, outcome Outcome, cause error) (Outcome, error) {
	if err := h.store.AppendEvent(ctx, msg.ObjectID, metadata.StatusFailed, cause.Error()); err != nil {
		return Stop, errors.Join(cause, err)
	}
	h.logger.Warn("storage attempt failed",
		zap.String("object_id", msg.ObjectID),
		zap.String("outcome", outcome.String()),
		zap.Error(cause),
	)
	return outcome, cause
}

// discardStaged drops the staging copy once the message is settled.
func (h *Handler) discardStaged(msg ingestion.Message, logr *zap.Logger) {
	if msg.Payload.Kind != ingestion.PayloadStaged || h.staging == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.staging.Delete(ctx, msg.Payload.StagingKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logr.Warn("delete staged payload failed", zap.String("staging_key", msg.Payload.StagingKey), zap.Error(err))
	}
}

func duplicateNote(owner *metadata.Record) string {
	return fmt.Sprintf("fingerprint %s already owned by %s", owner.Fingerprint.Hex(), owner.ObjectID)
}
