// Package identity provides the cryptographic identity primitives of the
// hub: Ed25519 keypair generation and import, deterministic seed-mode key
// derivation, DID formatting, and the hub bearer-token issuer.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Keypair is an Ed25519 keypair with base64-encoded wire forms.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PublicBase64 returns the base64 public key as stored on agent records.
func (k Keypair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// PrivateBase64 returns the base64 private key. Delivered once at
// registration time; never persisted by the hub.
func (k Keypair) PrivateBase64() string {
	return base64.StdEncoding.EncodeToString(k.Private)
}

// GenerateKeypair produces a random Ed25519 keypair (legacy registration).
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// ParsePublicKey decodes a base64 Ed25519 public key and checks its length.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 Ed25519 private key. Both the 64-byte
// private key form and the 32-byte seed form are accepted.
func ParsePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key is %d bytes, want %d or %d", len(raw), ed25519.PrivateKeySize, ed25519.SeedSize)
	}
}

// DID returns the decentralized identifier derived from a public key:
// did:seed:<hex of the first 16 bytes of SHA-256(pubkey)>.
func DID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "did:seed:" + hex.EncodeToString(sum[:16])
}
