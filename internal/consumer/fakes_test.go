package consumer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/internal/metadata"
	"github.com/your-org/healthflow/pkg/fingerprint"
	"github.com/your-org/healthflow/pkg/storage"
)

type logEntry struct {
	objectID string
	status   metadata.Status
	message  string
}

// fakeStore mirrors the unique fingerprint index of the real table.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*metadata.Record
	byFP    map[fingerprint.Digest]string
	log     []logEntry
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[string]*metadata.Record{},
		byFP:    map[fingerprint.Digest]string{},
	}
}

func (s *fakeStore) Claim(_ context.Context, rec metadata.Record) (metadata.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return metadata.Claim{}, s.err
	}
	if owner, ok := s.byFP[rec.Fingerprint]; ok {
		existing := *s.records[owner]
		return metadata.Claim{Existing: &existing}, nil
	}
	rec.StoragePath = ""
	s.records[rec.ObjectID] = &rec
	s.byFP[rec.Fingerprint] = rec.ObjectID
	return metadata.Claim{Claimed: true}, nil
}

func (s *fakeStore) Complete(_ context.Context, objectID, storagePath, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	rec, ok := s.records[objectID]
	if !ok || rec.StoragePath != "" {
		return false, nil
	}
	rec.StoragePath = storagePath
	s.log = append(s.log, logEntry{objectID, metadata.StatusIngested, message})
	return true, nil
}

func (s *fakeStore) AppendEvent(_ context.Context, objectID string, status metadata.Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.log = append(s.log, logEntry{objectID, status, message})
	return nil
}

func (s *fakeStore) statuses(objectID string) []metadata.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metadata.Status
	for _, e := range s.log {
		if e.objectID == objectID {
			out = append(out, e.status)
		}
	}
	return out
}

func (s *fakeStore) count(status metadata.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.log {
		if e.status == status {
			n++
		}
	}
	return n
}

func (s *fakeStore) stored() []metadata.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metadata.Record
	for _, r := range s.records {
		if r.Stored() {
			out = append(out, *r)
		}
	}
	return out
}

// flakyBackend fails the first failWrites writes and counts the rest.
type flakyBackend struct {
	storage.Backend
	mu         sync.Mutex
	failWrites int
	writes     int
}

func (b *flakyBackend) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	b.mu.Lock()
	if b.failWrites > 0 {
		b.failWrites--
		b.mu.Unlock()
		return errors.New("backend unavailable")
	}
	b.writes++
	b.mu.Unlock()
	return b.Backend.Write(ctx, p, r, size)
}

func (b *flakyBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func inlineMessage(objectID string, src metadata.Source, payload []byte) ingestion.Message {
	msg := ingestion.Message{
		ObjectID:       objectID,
		Fingerprint:    fingerprint.Sum(payload),
		Source:         src,
		Format:         "json",
		ContentType:    "json",
		Subtype:        "patient",
		DataVersion:    "1.0",
		SourceMetadata: map[string]string{},
		SizeBytes:      int64(len(payload)),
		Payload:        ingestion.PayloadRef{Kind: ingestion.PayloadInline, Inline: payload},
		ReceivedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if src == metadata.SourceSFTP {
		msg.Subtype = "hello"
		msg.SourceMetadata["username"] = "bob"
	}
	return msg
}
