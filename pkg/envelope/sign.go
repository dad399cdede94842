package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Sign computes the Ed25519 detached signature over the canonical signing
// base and attaches it to the envelope. kid should identify the signing
// agent; when empty it defaults to From.
func (e *Envelope) Sign(priv ed25519.PrivateKey, kid string) error {
	base, err := e.SigningBase()
	if err != nil {
		return err
	}
	if kid == "" {
		kid = e.From
	}
	sig := ed25519.Sign(priv, []byte(base))
	e.Signature = &Signature{
		Alg: "ed25519",
		Kid: kid,
		Sig: base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// Verify checks the attached signature against the given public key.
// It returns an error when no signature is attached, when the signature is
// malformed, or when verification fails.
func (e *Envelope) Verify(pub ed25519.PublicKey) error {
	if e.Signature == nil {
		return fmt.Errorf("envelope: no signature attached")
	}
	raw, err := base64.StdEncoding.DecodeString(e.Signature.Sig)
	if err != nil {
		return fmt.Errorf("envelope: decode signature: %w", err)
	}
	base, err := e.SigningBase()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, []byte(base), raw) {
		return fmt.Errorf("envelope: signature verification failed")
	}
	return nil
}
