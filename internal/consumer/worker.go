package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/pkg/kafka"
	"github.com/your-org/healthflow/pkg/tracing"
)

// Dead letter header names.
const (
	HeaderError       = "error"
	HeaderSourceTopic = "source_topic"
	HeaderPartition   = "partition"
	HeaderOffset      = "offset"
)

// MessageReader is a consumer-group member that commits explicitly.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// MessageHandler decides the outcome for one decoded message.
type MessageHandler interface {
	Handle(ctx context.Context, msg ingestion.Message) (Outcome, error)
}

// Publisher receives dead-lettered messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Worker pulls messages from one reader and commits each only after it is
// settled: stored, recognised as a duplicate, or dead-lettered.
type Worker struct {
	reader          MessageReader
	handler         MessageHandler
	deadLetter      Publisher
	deadLetterTopic string
	maxAttempts     int
	buildBackoff    func() backoff.BackOff
	logger          *zap.Logger
}

type WorkerParams struct {
	Reader          MessageReader
	Handler         MessageHandler
	DeadLetter      Publisher
	DeadLetterTopic string
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Logger          *zap.Logger
}

func NewWorker(p WorkerParams) *Worker {
	logr := p.Logger
	if logr == nil {
		logr = zap.NewNop()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	initial, maxInterval := p.InitialBackoff, p.MaxBackoff
	return &Worker{
		reader:          p.Reader,
		handler:         p.Handler,
		deadLetter:      p.DeadLetter,
		deadLetterTopic: p.DeadLetterTopic,
		maxAttempts:     maxAttempts,
		logger:          logr,
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if initial > 0 {
				b.InitialInterval = initial
			}
			if maxInterval > 0 {
				b.MaxInterval = maxInterval
			}
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run processes messages until ctx is cancelled or the handler asks to stop.
// Cancellation abandons the in-flight message without committing it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := w.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker cancelled, message left uncommitted",
					zap.String("topic", m.Topic),
					zap.Int64("offset", m.Offset),
				)
				return nil
			}
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, m kafkago.Message) error {
	ctx = tracing.Extract(ctx, kafka.Headers(m))
	msg, err := ingestion.DecodeMessage(m.Value)
	if err != nil {
		return w.park(ctx, m, err)
	}

	outcome, cause := w.handle(ctx, msg)
	switch outcome {
	case Ack:
		return w.commit(ctx, m)
	case Stop:
		return fmt.Errorf("stop on %s: %w", msg.ObjectID, cause)
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.park(ctx, m, cause)
	}
}

// handle retries the handler in process with exponential backoff while it
// asks for Retry, up to maxAttempts calls.
func (w *Worker) handle(ctx context.Context, msg ingestion.Message) (Outcome, error) {
	var outcome Outcome
	op := func() error {
		var err error
		outcome, err = w.handler.Handle(ctx, msg)
		if outcome != Retry {
			return backoff.Permanent(err)
		}
		if err == nil {
			err = errors.New("retry requested")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("retrying message",
			zap.String("object_id", msg.ObjectID),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(w.buildBackoff(), uint64(w.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	return outcome, err
}

// park publishes m to the dead letter topic and commits it.
func (w *Worker) park(ctx context.Context, m kafkago.Message, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	if w.deadLetter == nil || w.deadLetterTopic == "" {
		return fmt.Errorf("no dead letter topic for %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, cause)
	}

	headers := kafka.Headers(m)
	headers[HeaderError] = cause.Error()
	headers[HeaderSourceTopic] = m.Topic
	headers[HeaderPartition] = strconv.Itoa(m.Partition)
	headers[HeaderOffset] = strconv.FormatInt(m.Offset, 10)
	if err := w.deadLetter.Publish(ctx, w.deadLetterTopic, m.Key, m.Value, headers); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	w.logger.Error("message dead-lettered",
		zap.String("object_id", kafka.HeaderValue(m, ingestion.HeaderObjectID)),
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.Error(cause),
	)
	return w.commit(ctx, m)
}

func (w *Worker) commit(ctx context.Context, m kafkago.Message) error {
	if err := w.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}
