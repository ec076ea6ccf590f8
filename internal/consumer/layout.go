package consumer

import (
	"path"
	"regexp"
	"strings"

	"github.com/your-org/healthflow/internal/metadata"
)

const DefaultPrefix = "bronze"

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._+-]+`)

// Layout derives the final storage path of a record. The path depends only on
// the record, so every retry for the same claim lands on the same object.
type Layout struct {
	Prefix string
}

// PathFor returns
//
//	<prefix>/sftp/<username>/<fp16>.<ext>                      for sftp records
//	<prefix>/<content_type>/<format>/<subtype>/<fp16>.<ext>    otherwise
func (l Layout) PathFor(rec metadata.Record) string {
	prefix := strings.Trim(l.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	name := rec.Fingerprint.Short() + "." + extension(rec.Format)

	if rec.Source == metadata.SourceSFTP {
		return path.Join(prefix, "sftp", segment(rec.SourceMetadata["username"], "anonymous"), name)
	}
	return path.Join(prefix,
		segment(rec.ContentType, "unknown"),
		segment(rec.Format, "unknown"),
		segment(rec.Subtype, "unknown"),
		name,
	)
}

func extension(format string) string {
	ext := strings.ToLower(segment(format, ""))
	if ext == "" || ext == "unknown" {
		return "bin"
	}
	return ext
}

func segment(s, fallback string) string {
	s = strings.Trim(unsafeSegment.ReplaceAllString(s, "_"), "._")
	if s == "" {
		return fallback
	}
	return s
}
