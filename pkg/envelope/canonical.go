package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalJSON re-encodes raw JSON into its canonical form: object keys
// sorted lexicographically at every depth, no insignificant whitespace,
// numbers preserved as written. encoding/json already sorts map keys, so
// canonicalization is a decode/encode round-trip through map[string]any
// with json.Number retaining the original digits.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// Encoder appends a trailing newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// BodyDigest returns base64(SHA-256(canonical JSON of body)).
func BodyDigest(body json.RawMessage) (string, error) {
	canon, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// SigningBase builds the canonical string that Ed25519 signatures cover:
// timestamp, body digest, from, to, and correlation id (empty string when
// absent), joined by single newlines.
func (e *Envelope) SigningBase() (string, error) {
	digest, err := BodyDigest(e.Body)
	if err != nil {
		return "", err
	}
	parts := []string{e.Timestamp, digest, e.From, e.To, e.CorrelationID}
	return strings.Join(parts, "\n"), nil
}
