package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	payload := []byte(`{"resourceType":"Patient"}`)
	assert.Equal(t, Sum(payload), Sum(append([]byte(nil), payload...)))
	assert.NotEqual(t, Sum(payload), Sum([]byte(`{"resourceType":"Observation"}`)))
}

func TestSumOfEmptyPayload(t *testing.T) {
	assert.Equal(t, Digest(sha256.Sum256(nil)), Sum(nil))
	assert.False(t, Sum(nil).IsZero())
}

func TestHasherMatchesSumRegardlessOfChunking(t *testing.T) {
	payload := bytes.Repeat([]byte("MSH|^~\\&|LAB|"), 4096)

	h := NewHasher(iotest.OneByteReader(bytes.NewReader(payload)))
	_, err := io.Copy(io.Discard, h)
	require.NoError(t, err)

	assert.Equal(t, Sum(payload), h.Sum())
	assert.Equal(t, int64(len(payload)), h.N())
}

func TestParseRoundTripsHex(t *testing.T) {
	d := Sum([]byte("hello world"))
	parsed, err := Parse(d.Hex())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
	assert.Len(t, d.Short(), 16)
	assert.True(t, strings.HasPrefix(d.Hex(), d.Short()))

	_, err = Parse("abcd")
	assert.Error(t, err)
	_, err = Parse("zz")
	assert.Error(t, err)
}

func TestDigestEncodesAsHexInJSON(t *testing.T) {
	d := Sum([]byte("x"))
	raw, err := json.Marshal(struct {
		FP Digest `json:"fp"`
	}{FP: d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fp":"`+d.Hex()+`"}`, string(raw))

	var out struct {
		FP Digest `json:"fp"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, d, out.FP)
}

func TestFromBytesRejectsWrongWidth(t *testing.T) {
	d := Sum([]byte("x"))
	got, err := FromBytes(d[:])
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = FromBytes(d[:10])
	assert.Error(t, err)
}

func TestVerifyingReader(t *testing.T) {
	payload := []byte("clinical document")

	_, err := io.ReadAll(NewVerifyingReader(bytes.NewReader(payload), Sum(payload)))
	assert.NoError(t, err)

	_, err = io.ReadAll(NewVerifyingReader(bytes.NewReader(payload), Sum([]byte("other"))))
	assert.ErrorIs(t, err, ErrMismatch)
}
