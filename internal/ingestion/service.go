package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/metadata"
	"github.com/your-org/healthflow/pkg/fingerprint"
	"github.com/your-org/healthflow/pkg/metrics"
	"github.com/your-org/healthflow/pkg/storage"
	"github.com/your-org/healthflow/pkg/tracing"
)

var (
	// ErrValidation covers bad classification tags, sources and sizes.
	ErrValidation = errors.New("invalid ingestion request")
	// ErrTooLarge means the payload or its bus message exceeds a ceiling.
	ErrTooLarge = errors.New("payload too large")
	// ErrMalformed means the payload failed its syntax check.
	ErrMalformed = errors.New("malformed payload")
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]{0,127}$`)

// Publisher sends an encoded message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
	Close(ctx context.Context) error
}

// EventLog receives the audit-only accepted event.
type EventLog interface {
	AppendEvent(ctx context.Context, objectID string, status metadata.Status, message string) error
}

// Topics maps each source to its bus topic.
type Topics struct {
	API   string
	SFTP  string
	Other string
}

func (t Topics) For(src metadata.Source) string {
	switch src {
	case metadata.SourceAPI:
		return t.API
	case metadata.SourceSFTP:
		return t.SFTP
	default:
		return t.Other
	}
}

// Limits holds the per-source payload ceiling in bytes. Zero means unlimited.
type Limits map[metadata.Source]int64

// Service stages payloads and publishes one bus message per accepted upload.
type Service struct {
	staging         storage.Backend
	publisher       Publisher
	events          EventLog
	logger          *zap.Logger
	observer        *metrics.Observer
	topics          Topics
	limits          Limits
	inlineMaxBytes  int64
	maxMessageBytes int64
	now             func() time.Time
}

type Params struct {
	Staging         storage.Backend
	Publisher       Publisher
	Events          EventLog
	Logger          *zap.Logger
	Observer        *metrics.Observer
	Topics          Topics
	Limits          Limits
	InlineMaxBytes  int64
	MaxMessageBytes int64
}

// AcceptRequest carries the classification tags declared by the producer.
type AcceptRequest struct {
	Source         metadata.Source
	Format         string
	ContentType    string
	Subtype        string
	DataVersion    string
	SourceMetadata map[string]string
}

type Receipt struct {
	ObjectID    string
	Fingerprint fingerprint.Digest
	SizeBytes   int64
	Staged      bool
	AcceptedAt  time.Time
}

// NewService constructs an ingestion Service.
func NewService(p Params) *Service {
	logr := p.Logger
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Service{
		staging:         p.Staging,
		publisher:       p.Publisher,
		events:          p.Events,
		logger:          logr,
		observer:        p.Observer,
		topics:          p.Topics,
		limits:          p.Limits,
		inlineMaxBytes:  p.InlineMaxBytes,
		maxMessageBytes: p.MaxMessageBytes,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Accept fingerprints and stages size bytes from r, then publishes a Message.
// It returns as soon as the bus acknowledges; durable storage happens later.
func (s *Service) Accept(ctx context.Context, r io.Reader, size int64, req AcceptRequest) (*Receipt, error) {
	ctx, span := tracing.Tracer().Start(ctx, "ingestion.accept")
	defer span.End()
	span.SetAttributes(
		attribute.String("ingestion.source", string(req.Source)),
		attribute.Int64("ingestion.size_bytes", size),
	)

	receipt, err := s.accept(ctx, r, size, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.observer.Rejected(string(req.Source), rejectReason(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("ingestion.object_id", receipt.ObjectID))
	s.observer.Accepted(string(req.Source))
	return receipt, nil
}

func (s *Service) accept(ctx context.Context, r io.Reader, size int64, req AcceptRequest) (*Receipt, error) {
	if err := s.validate(req, size); err != nil {
		return nil, err
	}

	receivedAt := s.now()
	msg := Message{
		ObjectID:       uuid.NewString(),
		Source:         req.Source,
		Format:         req.Format,
		ContentType:    req.ContentType,
		Subtype:        req.Subtype,
		DataVersion:    req.DataVersion,
		SourceMetadata: req.SourceMetadata,
		SizeBytes:      size,
		ReceivedAt:     receivedAt,
	}
	if msg.SourceMetadata == nil {
		msg.SourceMetadata = map[string]string{}
	}

	if size <= s.inlineMaxBytes {
		data, err := io.ReadAll(io.LimitReader(r, size+1))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("%w: payload has %d bytes, declared %d", ErrValidation, len(data), size)
		}
		msg.Fingerprint = fingerprint.Sum(data)
		msg.Payload = PayloadRef{Kind: PayloadInline, Inline: data}
	} else {
		if s.staging == nil {
			return nil, fmt.Errorf("%w: staging backend is not configured", ErrTooLarge)
		}
		key := fmt.Sprintf("staging/%s/%s/%s", req.Source, receivedAt.Format("2006/01/02"), msg.ObjectID)
		hasher := fingerprint.NewHasher(r)
		if err := s.staging.Write(ctx, key, hasher, size); err != nil {
			return nil, fmt.Errorf("stage payload: %w", err)
		}
		msg.Fingerprint = hasher.Sum()
		msg.Payload = PayloadRef{Kind: PayloadStaged, StagingKey: key}
	}

	logr := s.logger.With(
		zap.String("object_id", msg.ObjectID),
		zap.String("fingerprint", msg.Fingerprint.Short()),
		zap.String("source", string(msg.Source)),
	)

	payload, err := EncodeMessage(msg)
	if err != nil {
		s.discard(msg, logr)
		return nil, err
	}
	if s.maxMessageBytes > 0 && int64(len(payload)) > s.maxMessageBytes {
		s.discard(msg, logr)
		return nil, fmt.Errorf("%w: encoded message is %d bytes, limit %d", ErrTooLarge, len(payload), s.maxMessageBytes)
	}

	headers := map[string]string{
		HeaderObjectID:  msg.ObjectID,
		HeaderEventType: EventTypeAccepted,
		HeaderSource:    string(msg.Source),
	}
	tracing.Inject(ctx, headers)
	if err := s.publisher.Publish(ctx, s.topics.For(msg.Source), []byte(msg.ObjectID), payload, headers); err != nil {
		s.discard(msg, logr)
		return nil, fmt.Errorf("publish ingestion message: %w", err)
	}

	if s.events != nil {
		note := fmt.Sprintf("fingerprint %s, %d bytes", msg.Fingerprint.Hex(), size)
		if err := s.events.AppendEvent(ctx, msg.ObjectID, metadata.StatusAccepted, note); err != nil {
			logr.Warn("append accepted event failed", zap.Error(err))
		}
	}

	logr.Info("payload accepted",
		zap.Int64("size_bytes", size),
		zap.String("payload", string(msg.Payload.Kind)),
	)

	return &Receipt{
		ObjectID:    msg.ObjectID,
		Fingerprint: msg.Fingerprint,
		SizeBytes:   size,
		Staged:      msg.Payload.Kind == PayloadStaged,
		AcceptedAt:  receivedAt,
	}, nil
}

func (s *Service) validate(req AcceptRequest, size int64) error {
	src, err := metadata.ParseSource(string(req.Source))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if src != req.Source {
		return fmt.Errorf("%w: source %q is not canonical", ErrValidation, req.Source)
	}
	tags := []struct{ name, value string }{
		{"format", req.Format},
		{"content_type", req.ContentType},
		{"subtype", req.Subtype},
		{"data_version", req.DataVersion},
	}
	for _, tag := range tags {
		if !tagPattern.MatchString(tag.value) {
			return fmt.Errorf("%w: %s %q", ErrValidation, tag.name, tag.value)
		}
	}
	if size < 0 {
		return fmt.Errorf("%w: invalid size %d", ErrValidation, size)
	}
	if limit := s.limits[req.Source]; limit > 0 && size > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, limit)
	}
	return nil
}

// discard removes a staged payload that will never be published.
func (s *Service) discard(msg Message, logr *zap.Logger) {
	if msg.Payload.Kind != PayloadStaged {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.staging.Delete(ctx, msg.Payload.StagingKey); err != nil {
		logr.Warn("delete staged payload failed", zap.String("staging_key", msg.Payload.StagingKey), zap.Error(err))
	}
}

// MaxSize reports the ceiling for src, or zero when unlimited.
func (s *Service) MaxSize(src metadata.Source) int64 {
	return s.limits[src]
}

// Close releases underlying resources.
func (s *Service) Close(ctx context.Context) error {
	if err := s.publisher.Close(ctx); err != nil {
		return err
	}
	if s.staging != nil {
		return s.staging.Close()
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "error"
	}
}
