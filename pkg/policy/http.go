package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPGate delegates decisions to a remote evaluator. Any transport or
// protocol failure surfaces as an error, which AuditingGate turns into a
// fail-closed deny in production.
type HTTPGate struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGate targets a remote evaluator at endpoint. A zero timeout means
// 10 seconds.
func NewHTTPGate(endpoint string, timeout time.Duration) (*HTTPGate, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("policy: bad evaluator url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGate{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (g *HTTPGate) Backend() Backend   { return BackendHTTP }
func (g *HTTPGate) PolicyHash() string { return "remote:" + g.endpoint }

func (g *HTTPGate) Evaluate(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("policy: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("policy: evaluator unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("policy: read evaluator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("policy: evaluator returned %d: %s", resp.StatusCode, raw)
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("policy: evaluator response not valid JSON: %w", err)
	}
	if d.Rationale == "" {
		return nil, fmt.Errorf("policy: evaluator decision carries no rationale")
	}
	return &d, nil
}
