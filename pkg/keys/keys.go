// Package keys manages the Ed25519 signing key pair for the runechain.
//
// The private key lives next to the store as <name>.key with owner-only
// permissions; the public key is persisted as <name>.pub in PEM form so
// receipts can be verified offline.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Signer signs rune content hashes with an Ed25519 private key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates an ephemeral key pair (used by the in-memory adapter
// and tests).
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// LoadOrCreate loads the key pair <name>.key / <name>.pub from dir, creating
// and persisting a fresh pair if none exists.
func LoadOrCreate(dir, name string) (*Signer, error) {
	privPath := filepath.Join(dir, name+".key")
	pubPath := filepath.Join(dir, name+".pub")

	if raw, err := os.ReadFile(privPath); err == nil {
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("keys: %s: bad seed length %d", privPath, len(raw))
		}
		priv := ed25519.NewKeyFromSeed(raw)
		return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keys: read %s: %w", privPath, err)
	}

	s, err := NewSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("keys: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(privPath, s.priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("keys: write %s: %w", privPath, err)
	}
	pemBytes, err := s.publicPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pemBytes, 0644); err != nil {
		return nil, fmt.Errorf("keys: write %s: %w", pubPath, err)
	}
	return s, nil
}

// Sign returns the base64 Ed25519 signature over data.
func (s *Signer) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data))
}

// PublicKeyPEM returns the public key in PEM (PKIX) form.
func (s *Signer) PublicKeyPEM() string {
	pemBytes, err := s.publicPEM()
	if err != nil {
		return ""
	}
	return string(pemBytes)
}

func (s *Signer) publicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Verify checks a base64 signature over data against a PEM public key.
func Verify(pubPEM string, data []byte, sigB64 string) (bool, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return false, fmt.Errorf("keys: no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("keys: parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return false, fmt.Errorf("keys: public key is not Ed25519")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("keys: invalid base64 signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}
