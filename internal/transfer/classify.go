package transfer

import (
	"path"
	"strconv"
	"strings"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/internal/metadata"
)

const dataVersion = "1.0"

var contentTypes = map[string]string{
	"json": "json",
	"xml":  "xml",
	"txt":  "text",
	"csv":  "text",
	"pdf":  "binary",
	"dcm":  "binary",
	"zip":  "binary",
}

// Classify derives the ingestion tags for a completed upload from its remote
// path. Uploaded files carry no declared classification of their own.
func Classify(p Principal, connID, remotePath string, size int64) ingestion.AcceptRequest {
	name := path.Base(remotePath)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	stem := strings.TrimSuffix(name, path.Ext(name))

	format := tag(ext, "unknown")
	contentType, ok := contentTypes[ext]
	if !ok {
		contentType = "binary"
	}

	return ingestion.AcceptRequest{
		Source:      metadata.SourceSFTP,
		Format:      format,
		ContentType: contentType,
		Subtype:     tag(stem, "document"),
		DataVersion: dataVersion,
		SourceMetadata: map[string]string{
			"username":          p.Username,
			"original_path":     remotePath,
			"original_filename": name,
			"file_size":         strconv.FormatInt(size, 10),
			"upload_method":     "sftp",
			"connection_id":     connID,
		},
	}
}

// tag coerces s into a classification tag, replacing unsupported runes.
func tag(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '+', r == '-':
			if b.Len() == 0 {
				continue
			}
			b.WriteRune(r)
		default:
			if b.Len() > 0 {
				b.WriteByte('_')
			}
		}
		if b.Len() >= 128 {
			break
		}
	}
	out := b.String()
	if len(out) > 128 {
		out = out[:128]
	}
	if out == "" {
		return fallback
	}
	return out
}
