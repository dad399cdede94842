// Package envelope defines the ADMP wire format: the versioned JSON message
// envelope routed by the hub, the canonical signing base, and the TTL syntax.
//
// The envelope body is opaque application-defined JSON; the hub never imposes
// a schema on it.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the wire-format version produced and accepted by this package.
const Version = "1.0"

// MaxSkew is the accepted clock skew between an envelope timestamp and the
// hub clock. Envelopes outside this window fail with invalid_timestamp.
const MaxSkew = 5 * time.Minute

// Signature is an Ed25519 detached signature over the canonical signing base.
type Signature struct {
	Alg string `json:"alg"` // always "ed25519"
	Kid string `json:"kid"` // signing agent id, usually equal to From
	Sig string `json:"sig"` // base64 detached signature
}

// Envelope is the versioned message structure exchanged between agents.
type Envelope struct {
	Version       string          `json:"version"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Subject       string          `json:"subject"`
	Body          json.RawMessage `json:"body"`
	Timestamp     string          `json:"timestamp"` // ISO-8601 UTC
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	TTLSec        TTL             `json:"ttl_sec,omitempty"`
	Signature     *Signature      `json:"signature,omitempty"`
}

// Validate checks the envelope's structural requirements: required fields
// present, a parseable timestamp, and a body that is well-formed JSON.
func (e *Envelope) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("envelope: missing version")
	}
	if e.Version != Version {
		return fmt.Errorf("envelope: unsupported version %q", e.Version)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope: missing id")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope: missing type")
	}
	if e.From == "" {
		return fmt.Errorf("envelope: missing from")
	}
	if e.To == "" {
		return fmt.Errorf("envelope: missing to")
	}
	if len(e.Body) == 0 {
		return fmt.Errorf("envelope: missing body")
	}
	if !json.Valid(e.Body) {
		return fmt.Errorf("envelope: body is not valid JSON")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("envelope: missing timestamp")
	}
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return err
	}
	if e.Signature != nil {
		if e.Signature.Alg != "ed25519" {
			return fmt.Errorf("envelope: unsupported signature alg %q", e.Signature.Alg)
		}
		if e.Signature.Sig == "" {
			return fmt.Errorf("envelope: signature present but sig is empty")
		}
	}
	return nil
}

// ParseTimestamp parses an envelope timestamp. RFC 3339 is the accepted
// ISO-8601 profile.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("envelope: bad timestamp %q: %w", ts, err)
	}
	return t, nil
}

// CheckTimestamp validates that the envelope timestamp lies within ±MaxSkew
// of now.
func (e *Envelope) CheckTimestamp(now time.Time) error {
	t, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return err
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	if d > MaxSkew {
		return fmt.Errorf("envelope: timestamp %s outside ±%s of hub clock", e.Timestamp, MaxSkew)
	}
	return nil
}

// Now formats the current UTC time as an envelope timestamp.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
