package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// SignerInfo is one entry of the signer registry document.
type SignerInfo struct {
	Algorithm  Algorithm `json:"algorithm"`
	PublicKey  string    `json:"publicKey"` // PEM
	DeployedAt time.Time `json:"deployedAt"`
}

// registryDoc is the on-disk shape consumed by the verifier tool.
type registryDoc struct {
	Signers map[string]SignerInfo `json:"signers"`
}

// Registry resolves signer key ids to public keys. Reads are lock-free;
// mutation swaps a fresh snapshot so concurrent verifiers never block.
type Registry struct {
	snapshot atomic.Pointer[map[string]SignerInfo]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]SignerInfo{}
	r.snapshot.Store(&empty)
	return r
}

// LoadRegistry reads a signer registry JSON document from disk.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a registry from a JSON document, validating that
// every public key parses under its declared algorithm.
func ParseRegistry(data []byte) (*Registry, error) {
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("signing: parse registry: %w", err)
	}
	r := NewRegistry()
	for kid, info := range doc.Signers {
		if err := r.AddSigner(kid, info.Algorithm, []byte(info.PublicKey), info.DeployedAt); err != nil {
			return nil, fmt.Errorf("signing: registry entry %q: %w", kid, err)
		}
	}
	return r, nil
}

// AddSigner registers a public key under kid, replacing any prior entry.
func (r *Registry) AddSigner(kid string, alg Algorithm, publicKeyPEM []byte, deployedAt time.Time) error {
	if _, err := parsePublicKey(alg, publicKeyPEM); err != nil {
		return err
	}
	for {
		old := r.snapshot.Load()
		next := make(map[string]SignerInfo, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[kid] = SignerInfo{Algorithm: alg, PublicKey: string(publicKeyPEM), DeployedAt: deployedAt}
		if r.snapshot.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// Lookup returns the registry entry for kid.
func (r *Registry) Lookup(kid string) (SignerInfo, bool) {
	info, ok := (*r.snapshot.Load())[kid]
	return info, ok
}

// Kids returns all registered key ids.
func (r *Registry) Kids() []string {
	snap := *r.snapshot.Load()
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	return out
}

// VerifyDigest checks a detached signature over digest under kid's key.
func (r *Registry) VerifyDigest(kid string, digest, signature []byte) error {
	info, ok := r.Lookup(kid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	pub, err := parsePublicKey(info.Algorithm, []byte(info.PublicKey))
	if err != nil {
		return err
	}
	switch info.Algorithm {
	case AlgorithmEd25519:
		if !ed25519.Verify(pub.(ed25519.PublicKey), digest, signature) {
			return fmt.Errorf("%w: kid %s", ErrBadSignature, kid)
		}
		return nil
	case AlgorithmRSASHA256:
		if err := rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest, signature); err != nil {
			return fmt.Errorf("%w: kid %s: %v", ErrBadSignature, kid, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrAlgorithm, info.Algorithm)
	}
}

// Document serializes the registry back to its JSON document form.
func (r *Registry) Document() ([]byte, error) {
	doc := registryDoc{Signers: *r.snapshot.Load()}
	return json.MarshalIndent(doc, "", "  ")
}

func parsePublicKey(alg Algorithm, pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signing: no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	switch alg {
	case AlgorithmEd25519:
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is %T, registry says ed25519", ErrAlgorithm, pub)
		}
		return k, nil
	case AlgorithmRSASHA256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is %T, registry says rsa-sha256", ErrAlgorithm, pub)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAlgorithm, alg)
	}
}

// EncodePublicKeyPEM renders a public key in the PKIX PEM form the registry
// document carries.
func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("signing: encode public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
