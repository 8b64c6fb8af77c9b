package signing

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// ProxyConfig configures the HTTP/mTLS signing proxy adapter.
type ProxyConfig struct {
	BaseURL        string
	Timeout        time.Duration // per-call ceiling when the context has no deadline
	KeyCacheTTL    time.Duration
	CACertFile     string // enables server verification against a private CA
	ClientCertFile string // enables mTLS when set together with ClientKeyFile
	ClientKeyFile  string
}

// ProxyGateway fronts the external signing service. Any transport failure or
// non-2xx answer surfaces as a signer_unavailable fault, unchanged, so
// callers fail closed.
type ProxyGateway struct {
	base    string
	client  *http.Client
	ttl     time.Duration
	keys    atomic.Pointer[map[string]cachedKey]
	logger  *slog.Logger
	timeout time.Duration
}

type cachedKey struct {
	pem       []byte
	fetchedAt time.Time
}

type signRequest struct {
	Kid       string `json:"kid"`
	Digest    string `json:"digest"` // base64
	Algorithm string `json:"algorithm"`
}

type signResponse struct {
	Signature string `json:"signature"` // base64
	Kid       string `json:"kid"`
}

type keyResponse struct {
	PublicKey string `json:"publicKey"` // PEM
	Algorithm string `json:"algorithm"`
}

// NewProxyGateway builds the adapter. The base URL is validated eagerly so
// misconfiguration fails at startup, not on the first sign.
func NewProxyGateway(cfg ProxyConfig, logger *slog.Logger) (*ProxyGateway, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("signing: invalid proxy base url %q", cfg.BaseURL)
	}
	transport := &http.Transport{}
	if cfg.CACertFile != "" || cfg.ClientCertFile != "" {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CACertFile != "" {
			caPEM, err := os.ReadFile(cfg.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("signing: read ca cert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("signing: ca cert %s contains no certificates", cfg.CACertFile)
			}
			tlsCfg.RootCAs = pool
		}
		if cfg.ClientCertFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
			if err != nil {
				return nil, fmt.Errorf("signing: load client keypair: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		transport.TLSClientConfig = tlsCfg
	}
	ttl := cfg.KeyCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &ProxyGateway{
		base:    cfg.BaseURL,
		client:  &http.Client{Transport: transport},
		ttl:     ttl,
		logger:  logger.With("component", "signing-proxy"),
		timeout: timeout,
	}
	empty := map[string]cachedKey{}
	g.keys.Store(&empty)
	return g, nil
}

// Sign requests a detached signature over digest from the proxy.
func (g *ProxyGateway) Sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		Kid:       kid,
		Digest:    base64.StdEncoding.EncodeToString(digest),
		Algorithm: string(alg),
	})
	if err != nil {
		return nil, fmt.Errorf("signing: encode sign request: %w", err)
	}
	raw, err := g.do(ctx, http.MethodPost, "/v1/sign", body)
	if err != nil {
		return nil, err
	}
	var resp signResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.SignerUnavailable(fmt.Errorf("malformed sign response: %w", err))
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, fault.SignerUnavailable(fmt.Errorf("malformed signature encoding: %w", err))
	}
	return sig, nil
}

// PublicKey returns the PEM public key for kid, served from a TTL cache.
func (g *ProxyGateway) PublicKey(ctx context.Context, kid string) ([]byte, error) {
	if cached, ok := (*g.keys.Load())[kid]; ok && time.Since(cached.fetchedAt) < g.ttl {
		return cached.pem, nil
	}
	raw, err := g.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(kid), nil)
	if err != nil {
		return nil, err
	}
	var resp keyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.SignerUnavailable(fmt.Errorf("malformed key response: %w", err))
	}
	pemBytes := []byte(resp.PublicKey)
	for {
		old := g.keys.Load()
		next := make(map[string]cachedKey, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[kid] = cachedKey{pem: pemBytes, fetchedAt: time.Now()}
		if g.keys.CompareAndSwap(old, &next) {
			break
		}
	}
	return pemBytes, nil
}

// Probe checks signer reachability. Startup guards fail the process on error
// when REQUIRE_KMS or REQUIRE_SIGNING_PROXY is set.
func (g *ProxyGateway) Probe(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodGet, "/healthz", nil)
	return err
}

func (g *ProxyGateway) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("signing: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Canceled(err)
		}
		return nil, fault.SignerUnavailable(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.SignerUnavailable(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Warn("signer returned non-success", "status", resp.StatusCode, "path", path)
		return nil, fault.SignerUnavailable(fmt.Errorf("signer status %d", resp.StatusCode))
	}
	return raw, nil
}
