package checkpoint

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Signer signs checkpoints with an Ed25519 key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh keypair. Key generation is the one sanctioned
// use of randomness; it happens outside the deterministic core.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: key generation: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromSeed rebuilds a signer from a 32-byte seed.
func NewSignerFromSeed(seed []byte, keyID string) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("checkpoint: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}, nil
}

// LoadSigner reads a hex-encoded seed file.
func LoadSigner(path, keyID string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode key: %w", err)
	}
	return NewSignerFromSeed(seed, keyID)
}

// SaveSeed writes the hex-encoded seed with owner-only permissions.
func (s *Signer) SaveSeed(path string) error {
	seed := hex.EncodeToString(s.priv.Seed())
	return os.WriteFile(path, []byte(seed+"\n"), 0o600)
}

// PublicKeyHex returns the verifying key, hex encoded.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Sign fills in the checkpoint's signature over its canonical payload.
func (s *Signer) Sign(c Checkpoint) (Checkpoint, error) {
	payload, err := c.SigningPayload()
	if err != nil {
		return Checkpoint{}, err
	}
	c.Signature = hex.EncodeToString(ed25519.Sign(s.priv, payload))
	return c, nil
}

// VerifySignature checks a checkpoint's signature against a hex public key.
func VerifySignature(c Checkpoint, pubKeyHex string) (bool, error) {
	pub, err := hex.DecodeString(strings.TrimSpace(pubKeyHex))
	if err != nil {
		return false, fmt.Errorf("checkpoint: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("checkpoint: invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false, fmt.Errorf("checkpoint: invalid signature hex: %w", err)
	}
	payload, err := c.SigningPayload()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}

// LoadPublicKey reads a hex-encoded public key file.
func LoadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("checkpoint: read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
