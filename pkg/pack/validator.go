package pack

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

// Validator is the contract with the external validation runners. StartJob
// enqueues a job for a submitted package; Poll returns the report once the
// runner finished, or nil while it is still working.
type Validator interface {
	StartJob(ctx context.Context, p *Package) (string, error)
	Poll(ctx context.Context, p *Package) (*Report, error)
}

// LocalValidator passes every package on the first poll. Development only;
// production deployments point VALIDATOR_URL at the real runner fleet.
type LocalValidator struct{}

func (LocalValidator) StartJob(ctx context.Context, p *Package) (string, error) {
	return "local-" + uuid.NewString(), nil
}

func (LocalValidator) Poll(ctx context.Context, p *Package) (*Report, error) {
	return &Report{Passed: true, ReportRef: "validator:local/" + p.ID}, nil
}

// HTTPValidator drives a remote validation runner service.
type HTTPValidator struct {
	base   string
	client *http.Client
}

// NewHTTPValidator validates the base URL and returns a client with a
// request timeout independent of the poller interval.
func NewHTTPValidator(base string, timeout time.Duration) (*HTTPValidator, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("pack: validator url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPValidator{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

// StartJob submits the package to the runner and returns the job id.
func (v *HTTPValidator) StartJob(ctx context.Context, p *Package) (string, error) {
	body, err := json.Marshal(map[string]string{
		"packageId":   p.ID,
		"name":        p.Name,
		"version":     p.Version,
		"artifactRef": p.ArtifactRef,
		"sha256":      p.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("pack: encode job request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.base+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pack: build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pack: validator unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("pack: validator rejected job: status %d", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("pack: decode job response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("pack: validator returned no job id")
	}
	return out.JobID, nil
}

// Poll fetches the report for a package. A 404 means the runner is still
// working and maps to (nil, nil).
func (v *HTTPValidator) Poll(ctx context.Context, p *Package) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.base+"/reports/"+url.PathEscape(p.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("pack: build report request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pack: validator unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("pack: validator report fetch: status %d", resp.StatusCode)
	}
	var report Report
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return nil, fmt.Errorf("pack: decode report: %w", err)
	}
	if report.ReportRef == "" {
		return nil, fmt.Errorf("pack: validator report missing reportRef")
	}
	return &report, nil
}
