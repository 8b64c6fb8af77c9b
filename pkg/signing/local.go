package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// LocalSigner is an in-process Ed25519 signer for development and tests.
// Per-kid keys are derived from a master seed with HKDF-SHA256, so a fixed
// seed yields a stable keyring across restarts. Startup wiring refuses it
// when REQUIRE_KMS or REQUIRE_SIGNING_PROXY is set.
type LocalSigner struct {
	mu     sync.Mutex
	master []byte
	keys   map[string]ed25519.PrivateKey
}

// NewLocalSigner creates a signer deriving keys from masterSeed.
func NewLocalSigner(masterSeed []byte) *LocalSigner {
	return &LocalSigner{
		master: append([]byte(nil), masterSeed...),
		keys:   make(map[string]ed25519.PrivateKey),
	}
}

func (s *LocalSigner) key(kid string) (ed25519.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[kid]; ok {
		return k, nil
	}
	seed := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, s.master, nil, []byte("keel/signer/"+kid))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("signing: derive key %s: %w", kid, err)
	}
	k := ed25519.NewKeyFromSeed(seed)
	s.keys[kid] = k
	return k, nil
}

// Sign produces a raw Ed25519 signature over digest.
func (s *LocalSigner) Sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error) {
	if alg != AlgorithmEd25519 {
		return nil, fmt.Errorf("%w: local signer only does ed25519, got %s", ErrAlgorithm, alg)
	}
	k, err := s.key(kid)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(k, digest), nil
}

// PublicKey returns the PEM-encoded public key for kid.
func (s *LocalSigner) PublicKey(ctx context.Context, kid string) ([]byte, error) {
	k, err := s.key(kid)
	if err != nil {
		return nil, err
	}
	return EncodePublicKeyPEM(k.Public())
}

// Probe always succeeds; the signer is in-process.
func (s *LocalSigner) Probe(ctx context.Context) error { return nil }

// Register adds kid's derived public key to a registry so locally signed
// events verify through the same path as production ones.
func (s *LocalSigner) Register(reg *Registry, kid string, deployedAt time.Time) error {
	pemBytes, err := s.PublicKey(context.Background(), kid)
	if err != nil {
		return err
	}
	return reg.AddSigner(kid, AlgorithmEd25519, pemBytes, deployedAt)
}
