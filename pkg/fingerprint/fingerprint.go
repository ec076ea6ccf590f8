// Package fingerprint computes the content digest used as the global identity
// of an ingested payload.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Size is the fixed width of a Digest in bytes.
const Size = sha256.Size

// ErrMismatch is returned when bytes read do not hash to the expected digest.
var ErrMismatch = errors.New("fingerprint mismatch")

// Digest is a SHA-256 content digest.
type Digest [Size]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Parse decodes a hex encoded digest.
func Parse(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(raw) != Size {
		return d, fmt.Errorf("decode fingerprint: want %d bytes, got %d", Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// FromBytes copies a raw digest as stored in the metadata table.
func FromBytes(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != Size {
		return d, fmt.Errorf("fingerprint: want %d bytes, got %d", Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 16 hex characters, used in storage paths.
func (d Digest) Short() string {
	return d.Hex()[:16]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return d.Hex()
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Hasher is a reader that fingerprints everything read through it.
type Hasher struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHasher wraps r so the digest of the consumed bytes is available afterwards.
func NewHasher(r io.Reader) *Hasher {
	h := sha256.New()
	return &Hasher{r: io.TeeReader(r, h), h: h}
}

func (h *Hasher) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.n += int64(n)
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// N reports how many bytes were read.
func (h *Hasher) N() int64 {
	return h.n
}

type verifyingReader struct {
	hasher *Hasher
	want   Digest
}

// NewVerifyingReader returns a reader that yields ErrMismatch instead of io.EOF
// when the stream does not hash to want.
func NewVerifyingReader(r io.Reader, want Digest) io.Reader {
	return &verifyingReader{hasher: NewHasher(r), want: want}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.hasher.Read(p)
	if errors.Is(err, io.EOF) {
		if got := v.hasher.Sum(); got != v.want {
			return n, fmt.Errorf("%w: want %s, got %s", ErrMismatch, v.want.Short(), got.Short())
		}
	}
	return n, err
}
