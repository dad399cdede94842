package identity_test

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/admp-protocol/admp-hub/internal/identity"
)

func TestGenerateKeypair_roundtrip(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	pub, err := identity.ParsePublicKey(kp.PublicBase64())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, kp.Public) {
		t.Error("public key did not survive base64 round-trip")
	}

	priv, err := identity.ParsePrivateKey(kp.PrivateBase64())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(priv, kp.Private) {
		t.Error("private key did not survive base64 round-trip")
	}
}

func TestParsePublicKey_badInput(t *testing.T) {
	if _, err := identity.ParsePublicKey("not base64!!!"); err == nil {
		t.Error("garbage accepted as public key")
	}
	if _, err := identity.ParsePublicKey("c2hvcnQ="); err == nil {
		t.Error("short key accepted")
	}
}

func TestDeriveKeypair_deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, identity.SeedSize)

	a, ctxA, err := identity.DeriveKeypair(seed, "tenant-1", "agent://alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	b, ctxB, err := identity.DeriveKeypair(seed, "tenant-1", "agent://alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Public, b.Public) {
		t.Error("same inputs produced different public keys")
	}
	if ctxA != ctxB {
		t.Errorf("contexts differ: %q vs %q", ctxA, ctxB)
	}
	if !strings.Contains(ctxA, "admp:tenant-1:agent://alice:ed25519:v1") {
		t.Errorf("unexpected derivation context %q", ctxA)
	}
}

func TestDeriveKeypair_inputsChangeKey(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, identity.SeedSize)
	otherSeed := bytes.Repeat([]byte{0x43}, identity.SeedSize)

	base, _, _ := identity.DeriveKeypair(seed, "tenant-1", "agent://alice", 1)

	variants := []struct {
		name string
		kp   func() identity.Keypair
	}{
		{"seed", func() identity.Keypair { k, _, _ := identity.DeriveKeypair(otherSeed, "tenant-1", "agent://alice", 1); return k }},
		{"tenant", func() identity.Keypair { k, _, _ := identity.DeriveKeypair(seed, "tenant-2", "agent://alice", 1); return k }},
		{"agent", func() identity.Keypair { k, _, _ := identity.DeriveKeypair(seed, "tenant-1", "agent://bob", 1); return k }},
		{"version", func() identity.Keypair { k, _, _ := identity.DeriveKeypair(seed, "tenant-1", "agent://alice", 2); return k }},
	}
	for _, v := range variants {
		if bytes.Equal(base.Public, v.kp().Public) {
			t.Errorf("changing %s did not change the derived key", v.name)
		}
	}
}

func TestDeriveKeypair_badSeed(t *testing.T) {
	if _, _, err := identity.DeriveKeypair([]byte("short"), "t", "a", 1); err == nil {
		t.Error("short seed accepted")
	}
}

func TestDerivedKeySigns(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, identity.SeedSize)
	kp, _, err := identity.DeriveKeypair(seed, "t", "agent://carol", 1)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	sig := ed25519.Sign(kp.Private, msg)
	if !ed25519.Verify(kp.Public, msg, sig) {
		t.Error("derived keypair cannot sign/verify")
	}
}

func TestDID_format(t *testing.T) {
	kp, _ := identity.GenerateKeypair()
	did := identity.DID(kp.Public)
	if !strings.HasPrefix(did, "did:seed:") {
		t.Errorf("DID %q missing did:seed: prefix", did)
	}
	if len(did) != len("did:seed:")+32 {
		t.Errorf("DID %q has wrong length", did)
	}
	if did != identity.DID(kp.Public) {
		t.Error("DID is not deterministic")
	}
}

func TestTokenIssuer_roundtrip(t *testing.T) {
	iss := identity.NewTokenIssuer([]byte("test-secret"), "http://localhost:8080", time.Minute)

	tok, err := iss.Issue("client-1", "agent://alice")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ClientID != "client-1" || claims.AgentID != "agent://alice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenIssuer_rejectsForeignToken(t *testing.T) {
	iss := identity.NewTokenIssuer([]byte("secret-a"), "http://localhost:8080", time.Minute)
	other := identity.NewTokenIssuer([]byte("secret-b"), "http://localhost:8080", time.Minute)

	tok, _ := other.Issue("client-1", "")
	if _, err := iss.Verify(tok); err == nil {
		t.Error("token signed under a different secret verified")
	}
}
