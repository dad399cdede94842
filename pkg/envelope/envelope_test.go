package envelope_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

func validEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		Version:   envelope.Version,
		ID:        "m-1",
		Type:      "task.request",
		From:      "agent://alice",
		To:        "agent://bob",
		Subject:   "ping",
		Body:      json.RawMessage(`{"x":1}`),
		Timestamp: envelope.Now(),
	}
}

func TestValidate_ok(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestValidate_missingFields(t *testing.T) {
	cases := map[string]func(*envelope.Envelope){
		"version":   func(e *envelope.Envelope) { e.Version = "" },
		"id":        func(e *envelope.Envelope) { e.ID = "" },
		"type":      func(e *envelope.Envelope) { e.Type = "" },
		"from":      func(e *envelope.Envelope) { e.From = "" },
		"to":        func(e *envelope.Envelope) { e.To = "" },
		"body":      func(e *envelope.Envelope) { e.Body = nil },
		"timestamp": func(e *envelope.Envelope) { e.Timestamp = "" },
	}
	for name, mutate := range cases {
		e := validEnvelope()
		mutate(e)
		if err := e.Validate(); err == nil {
			t.Errorf("envelope without %s passed validation", name)
		}
	}
}

func TestValidate_badBodyJSON(t *testing.T) {
	e := validEnvelope()
	e.Body = json.RawMessage(`{"x":`)
	if err := e.Validate(); err == nil {
		t.Error("truncated body passed validation")
	}
}

func TestValidate_unsupportedVersion(t *testing.T) {
	e := validEnvelope()
	e.Version = "2.0"
	if err := e.Validate(); err == nil {
		t.Error("version 2.0 passed validation")
	}
}

func TestCheckTimestamp_skew(t *testing.T) {
	now := time.Now().UTC()

	e := validEnvelope()
	e.Timestamp = now.Add(-4 * time.Minute).Format(time.RFC3339)
	if err := e.CheckTimestamp(now); err != nil {
		t.Errorf("4 minutes old rejected: %v", err)
	}

	e.Timestamp = now.Add(-6 * time.Minute).Format(time.RFC3339)
	if err := e.CheckTimestamp(now); err == nil {
		t.Error("6 minutes old accepted")
	}

	e.Timestamp = now.Add(6 * time.Minute).Format(time.RFC3339)
	if err := e.CheckTimestamp(now); err == nil {
		t.Error("6 minutes in the future accepted")
	}
}

func TestCanonicalJSON_sortsKeys(t *testing.T) {
	a, err := envelope.CanonicalJSON(json.RawMessage(`{"b":2,"a":{"z":1,"y":[1,2]}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := envelope.CanonicalJSON(json.RawMessage(`{"a":{"y":[1,2],"z":1},"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
	want := `{"a":{"y":[1,2],"z":1},"b":2}`
	if string(a) != want {
		t.Errorf("canonical form: got %s, want %s", a, want)
	}
}

func TestSigningBase_shape(t *testing.T) {
	e := validEnvelope()
	e.Timestamp = "2026-01-02T03:04:05Z"
	e.CorrelationID = "corr-1"

	base, err := e.SigningBase()
	if err != nil {
		t.Fatal(err)
	}
	digest, err := envelope.BodyDigest(e.Body)
	if err != nil {
		t.Fatal(err)
	}
	want := "2026-01-02T03:04:05Z\n" + digest + "\nagent://alice\nagent://bob\ncorr-1"
	if base != want {
		t.Errorf("signing base:\n got %q\nwant %q", base, want)
	}
}

func TestSignVerify_roundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	e := validEnvelope()
	if err := e.Sign(priv, ""); err != nil {
		t.Fatal(err)
	}
	if e.Signature == nil || e.Signature.Kid != "agent://alice" {
		t.Fatalf("signature not attached correctly: %+v", e.Signature)
	}
	if err := e.Verify(pub); err != nil {
		t.Fatalf("verify failed on untampered envelope: %v", err)
	}
}

func TestVerify_tamperDetection(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	mutations := map[string]func(*envelope.Envelope){
		"body":           func(e *envelope.Envelope) { e.Body = json.RawMessage(`{"x":2}`) },
		"from":           func(e *envelope.Envelope) { e.From = "agent://mallory" },
		"to":             func(e *envelope.Envelope) { e.To = "agent://mallory" },
		"timestamp":      func(e *envelope.Envelope) { e.Timestamp = envelope.Now() },
		"correlation_id": func(e *envelope.Envelope) { e.CorrelationID = "other" },
	}
	for name, mutate := range mutations {
		e := validEnvelope()
		e.Timestamp = "2026-01-02T03:04:05Z"
		e.CorrelationID = "corr-1"
		if err := e.Sign(priv, ""); err != nil {
			t.Fatal(err)
		}
		mutate(e)
		if err := e.Verify(pub); err == nil {
			t.Errorf("tampered %s still verifies", name)
		}
	}
}

func TestVerify_wrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)

	e := validEnvelope()
	if err := e.Sign(priv, ""); err != nil {
		t.Fatal(err)
	}
	if err := e.Verify(otherPub); err == nil {
		t.Error("signature verified under the wrong key")
	}
}
