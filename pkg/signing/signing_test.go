package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/fault"
)

func TestLocalSignerRoundTrip(t *testing.T) {
	signer := NewLocalSigner([]byte("test-master-seed"))
	reg := NewRegistry()
	require.NoError(t, signer.Register(reg, "audit-key-1", time.Now()))

	digest := sha256.Sum256([]byte("payload"))
	sig, err := signer.Sign(context.Background(), "audit-key-1", digest[:], AlgorithmEd25519)
	require.NoError(t, err)

	require.NoError(t, reg.VerifyDigest("audit-key-1", digest[:], sig))

	// Tampered digest must fail verification.
	tampered := sha256.Sum256([]byte("payload2"))
	err = reg.VerifyDigest("audit-key-1", tampered[:], sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestLocalSignerDeterministicKeyring(t *testing.T) {
	a := NewLocalSigner([]byte("seed"))
	b := NewLocalSigner([]byte("seed"))

	pemA, err := a.PublicKey(context.Background(), "manifest-signer")
	require.NoError(t, err)
	pemB, err := b.PublicKey(context.Background(), "manifest-signer")
	require.NoError(t, err)
	assert.Equal(t, pemA, pemB, "same master seed must derive the same key per kid")

	pemOther, err := a.PublicKey(context.Background(), "other-kid")
	require.NoError(t, err)
	assert.NotEqual(t, pemA, pemOther, "distinct kids must derive distinct keys")
}

func TestLocalSignerRejectsRSA(t *testing.T) {
	signer := NewLocalSigner([]byte("seed"))
	_, err := signer.Sign(context.Background(), "k", []byte("digest"), AlgorithmRSASHA256)
	assert.ErrorIs(t, err, ErrAlgorithm)
}

func TestRegistryRSAVerification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.AddSigner("rsa-kid", AlgorithmRSASHA256, pemBytes, time.Now()))

	digest := sha256.Sum256([]byte("manifest"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	require.NoError(t, reg.VerifyDigest("rsa-kid", digest[:], sig))
	assert.ErrorIs(t, reg.VerifyDigest("rsa-kid", digest[:], sig[:len(sig)-1]), ErrBadSignature)
}

func TestRegistryDocumentRoundTrip(t *testing.T) {
	signer := NewLocalSigner([]byte("seed"))
	reg := NewRegistry()
	require.NoError(t, signer.Register(reg, "k1", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))

	doc, err := reg.Document()
	require.NoError(t, err)

	parsed, err := ParseRegistry(doc)
	require.NoError(t, err)
	info, ok := parsed.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, AlgorithmEd25519, info.Algorithm)

	digest := sha256.Sum256([]byte("x"))
	sig, err := signer.Sign(context.Background(), "k1", digest[:], AlgorithmEd25519)
	require.NoError(t, err)
	require.NoError(t, parsed.VerifyDigest("k1", digest[:], sig))
}

func TestRegistryUnknownKid(t *testing.T) {
	reg := NewRegistry()
	err := reg.VerifyDigest("missing", []byte("d"), []byte("s"))
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestProxyGatewaySign(t *testing.T) {
	local := NewLocalSigner([]byte("proxy-backend"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sign":
			var req signRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			digest, err := base64.StdEncoding.DecodeString(req.Digest)
			require.NoError(t, err)
			sig, err := local.Sign(r.Context(), req.Kid, digest, Algorithm(req.Algorithm))
			require.NoError(t, err)
			_ = json.NewEncoder(w).Encode(signResponse{
				Signature: base64.StdEncoding.EncodeToString(sig),
				Kid:       req.Kid,
			})
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gw, err := NewProxyGateway(ProxyConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	require.NoError(t, gw.Probe(context.Background()))

	reg := NewRegistry()
	require.NoError(t, local.Register(reg, "k1", time.Now()))

	digest := sha256.Sum256([]byte("event"))
	sig, err := gw.Sign(context.Background(), "k1", digest[:], AlgorithmEd25519)
	require.NoError(t, err)
	require.NoError(t, reg.VerifyDigest("k1", digest[:], sig))
}

func TestProxyGatewayOutageIsSignerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw, err := NewProxyGateway(ProxyConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = gw.Sign(context.Background(), "k1", []byte("digest"), AlgorithmEd25519)
	assert.Equal(t, fault.KindSignerUnavailable, fault.KindOf(err))

	err = gw.Probe(context.Background())
	assert.Equal(t, fault.KindSignerUnavailable, fault.KindOf(err))
}

func TestProxyGatewayKeyCache(t *testing.T) {
	var hits int
	local := NewLocalSigner([]byte("cache"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		pemBytes, err := local.PublicKey(r.Context(), "k1")
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(keyResponse{PublicKey: string(pemBytes), Algorithm: string(AlgorithmEd25519)})
	}))
	defer srv.Close()

	gw, err := NewProxyGateway(ProxyConfig{BaseURL: srv.URL, KeyCacheTTL: time.Hour}, nil)
	require.NoError(t, err)

	first, err := gw.PublicKey(context.Background(), "k1")
	require.NoError(t, err)
	second, err := gw.PublicKey(context.Background(), "k1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, hits, "second lookup must come from the TTL cache")
}
