package identity

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

// Seed-mode derivation constants. Changing either breaks determinism for
// every seed-registered agent, so they are part of the wire contract.
const (
	derivationSalt    = "seedid/v1"
	derivationContext = "seedid/v1/admp:%s:%s:ed25519:v%d"
)

// SeedSize is the required master seed length in bytes.
const SeedSize = 32

// DeriveContext formats the HKDF info string for a (tenant, agent, version)
// triple. Exposed so rotation can log the context it derived under.
func DeriveContext(tenantID, agentID string, version int) string {
	return fmt.Sprintf(derivationContext, tenantID, agentID, version)
}

// DeriveKeypair deterministically derives an Ed25519 keypair from a master
// seed using HKDF-SHA-256. The same (seed, tenant, agent, version) always
// yields the same keypair.
func DeriveKeypair(seed []byte, tenantID, agentID string, version int) (Keypair, string, error) {
	if len(seed) != SeedSize {
		return Keypair{}, "", fmt.Errorf("seed is %d bytes, want %d", len(seed), SeedSize)
	}
	ctx := DeriveContext(tenantID, agentID, version)

	r := hkdf.New(sha256.New, seed, []byte(derivationSalt), []byte(ctx))
	edSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, edSeed); err != nil {
		return Keypair{}, "", fmt.Errorf("derive key material: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(edSeed)
	return Keypair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}, ctx, nil
}
