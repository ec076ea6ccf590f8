package metadata

import (
	"fmt"
	"strings"
	"time"

	"github.com/your-org/healthflow/pkg/fingerprint"
)

// Source identifies the front door a payload arrived through.
type Source string

const (
	SourceAPI   Source = "api"
	SourceSFTP  Source = "sftp"
	SourceOther Source = "other"
)

// ParseSource validates a configured or transported source name.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceAPI, SourceSFTP, SourceOther:
		return src, nil
	default:
		return "", fmt.Errorf("unknown ingestion source %q", s)
	}
}

// Status is a lifecycle transition recorded in the ingestion log.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusDuplicated Status = "duplicated"
	StatusIngested   Status = "ingested"
	StatusFailed     Status = "failed"
)

// Record is one row per unique payload. StoragePath stays empty until a
// consumer has durably written the bytes.
type Record struct {
	ObjectID       string
	Source         Source
	Format         string
	ContentType    string
	Subtype        string
	DataVersion    string
	StoragePath    string
	Fingerprint    fingerprint.Digest
	ReceivedAt     time.Time
	SourceMetadata map[string]string
}

// Stored reports whether the payload has reached its final location.
func (r Record) Stored() bool {
	return r.StoragePath != ""
}

// Claim is the result of an atomic insert-if-absent on the fingerprint.
// When Claimed is false, Existing holds the record that owns the fingerprint.
type Claim struct {
	Claimed  bool
	Existing *Record
}
