// Package signing adapts keel to an external signer (KMS, HSM, or signing
// proxy). The gateway signs digests and serves public keys; private keys
// never enter this process. The registry resolves signer key ids to public
// keys for verification, both online and in the offline verifier.
package signing

import (
	"context"
	"errors"
)

// Algorithm names follow the signer registry document.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmRSASHA256 Algorithm = "rsa-sha256"
)

var (
	ErrUnknownKey   = errors.New("signing: unknown key id")
	ErrBadSignature = errors.New("signing: signature verification failed")
	ErrAlgorithm    = errors.New("signing: unsupported algorithm")
)

// Gateway is the integration contract with the external signer.
//
// Sign produces a detached signature over digest: raw Ed25519 over the
// digest bytes, or digest-mode RSA-SHA256 (PKCS#1 v1.5). PublicKey returns
// the PEM-encoded public key for kid. Probe checks reachability; startup
// guards call it when REQUIRE_KMS or REQUIRE_SIGNING_PROXY is set.
type Gateway interface {
	Sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error)
	PublicKey(ctx context.Context, kid string) ([]byte, error)
	Probe(ctx context.Context) error
}
