package ingestion

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/your-org/healthflow/internal/metadata"
	"github.com/your-org/healthflow/pkg/fingerprint"
)

// Bus header names and the event type stamped on every accepted payload.
const (
	HeaderObjectID  = "object_id"
	HeaderEventType = "event_type"
	HeaderSource    = "source"

	EventTypeAccepted = "ingestion.accepted"
)

type PayloadKind string

const (
	PayloadInline PayloadKind = "inline"
	PayloadStaged PayloadKind = "staged"
)

// PayloadRef locates the bytes of a message: embedded, or parked in the
// staging backend under StagingKey.
type PayloadRef struct {
	Kind       PayloadKind `json:"kind"`
	Inline     []byte      `json:"inline,omitempty"`
	StagingKey string      `json:"staging_key,omitempty"`
}

// Message is published once per accepted payload. It carries everything a
// storage consumer needs without calling back into the front door.
type Message struct {
	ObjectID       string             `json:"object_id"`
	Fingerprint    fingerprint.Digest `json:"fingerprint"`
	Source         metadata.Source    `json:"source"`
	Format         string             `json:"format"`
	ContentType    string             `json:"content_type"`
	Subtype        string             `json:"subtype"`
	DataVersion    string             `json:"data_version"`
	SourceMetadata map[string]string  `json:"source_metadata"`
	SizeBytes      int64              `json:"size_bytes"`
	Payload        PayloadRef         `json:"payload"`
	ReceivedAt     time.Time          `json:"received_at"`
}

// Validate checks the fields a consumer relies on.
func (m Message) Validate() error {
	if m.ObjectID == "" {
		return errors.New("message: object_id is required")
	}
	if m.Fingerprint.IsZero() {
		return errors.New("message: fingerprint is required")
	}
	if _, err := metadata.ParseSource(string(m.Source)); err != nil {
		return fmt.Errorf("message: %w", err)
	}
	switch m.Payload.Kind {
	case PayloadInline:
		if int64(len(m.Payload.Inline)) != m.SizeBytes {
			return fmt.Errorf("message: inline payload has %d bytes, declared %d", len(m.Payload.Inline), m.SizeBytes)
		}
	case PayloadStaged:
		if m.Payload.StagingKey == "" {
			return errors.New("message: staging_key is required for staged payloads")
		}
	default:
		return fmt.Errorf("message: unknown payload kind %q", m.Payload.Kind)
	}
	return nil
}

// Record is the metadata row this message claims.
func (m Message) Record() metadata.Record {
	return metadata.Record{
		ObjectID:       m.ObjectID,
		Source:         m.Source,
		Format:         m.Format,
		ContentType:    m.ContentType,
		Subtype:        m.Subtype,
		DataVersion:    m.DataVersion,
		Fingerprint:    m.Fingerprint,
		ReceivedAt:     m.ReceivedAt,
		SourceMetadata: m.SourceMetadata,
	}
}

func EncodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal ingestion message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses and validates a bus payload.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal ingestion message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
