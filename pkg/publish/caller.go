package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is one publisher response. A transport-level failure (network,
// timeout, cancellation) is returned as an error instead and classifies as
// retryable.
type Result struct {
	StatusCode int
	ProofRef   string
}

// Caller performs the outbound publish call for one task.
type Caller interface {
	Publish(ctx context.Context, task *Task) (*Result, error)
}

// LocalCaller acknowledges every task with a synthetic proof. Development
// only; production deployments configure per-target publisher endpoints.
type LocalCaller struct{}

func (LocalCaller) Publish(ctx context.Context, task *Task) (*Result, error) {
	return &Result{
		StatusCode: http.StatusOK,
		ProofRef:   fmt.Sprintf("local:%s/%s", task.Target, uuid.NewString()),
	}, nil
}

// HTTPCaller posts tasks to per-target publisher endpoints.
type HTTPCaller struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPCaller validates every endpoint URL. timeout bounds a single
// publish call; the driver layers the task deadline on top via context.
func NewHTTPCaller(endpoints map[string]string, timeout time.Duration) (*HTTPCaller, error) {
	cleaned := make(map[string]string, len(endpoints))
	for target, base := range endpoints {
		if _, err := url.ParseRequestURI(base); err != nil {
			return nil, fmt.Errorf("publish: endpoint for %s: %w", target, err)
		}
		cleaned[target] = strings.TrimRight(base, "/")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		endpoints: cleaned,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Publish posts the task to its target's /publish endpoint. Any HTTP
// response becomes a Result for classification; only transport failures
// surface as errors.
func (c *HTTPCaller) Publish(ctx context.Context, task *Task) (*Result, error) {
	base, ok := c.endpoints[task.Target]
	if !ok {
		return nil, fmt.Errorf("publish: no endpoint configured for target %s", task.Target)
	}
	body, err := json.Marshal(map[string]string{
		"taskId":     task.ID,
		"manifestId": task.ManifestID,
		"target":     task.Target,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/publish", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish: %s unreachable: %w", task.Target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := &Result{StatusCode: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack struct {
			ProofRef string `json:"proofRef"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ack); err != nil {
			return nil, fmt.Errorf("publish: decode %s response: %w", task.Target, err)
		}
		out.ProofRef = ack.ProofRef
	}
	return out, nil
}
