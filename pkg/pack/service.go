package pack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/policy"
)

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,199}$`)
	sha256Pattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// SubmitRequest is the intake payload for a new package.
type SubmitRequest struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	ArtifactRef string         `json:"artifactRef"`
	SHA256      string         `json:"sha256"`
	Submitter   string         `json:"submitter"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Service orchestrates package intake and the validation lifecycle.
type Service struct {
	store     Store
	chain     *audit.Chain
	gate      *policy.AuditingGate
	validator Validator
	metadata  *jsonschema.Schema
	now       func() time.Time
	log       *slog.Logger
}

// NewService wires the intake service. validator may be nil, which selects
// the dev LocalValidator.
func NewService(store Store, chain *audit.Chain, gate *policy.AuditingGate, validator Validator) (*Service, error) {
	schema, err := compileMetadataSchema()
	if err != nil {
		return nil, err
	}
	if validator == nil {
		validator = LocalValidator{}
	}
	return &Service{
		store:     store,
		chain:     chain,
		gate:      gate,
		validator: validator,
		metadata:  schema,
		now:       time.Now,
		log:       slog.Default().With("component", "pack"),
	}, nil
}

// Submit validates the request shape, consults the allocation policy, and
// persists the package in submitted state. Route-level idempotency makes
// retries safe; this method itself always creates a fresh package.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Package, error) {
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}

	if _, err := s.gate.Require(ctx, &policy.DecisionRequest{
		Hook:      policy.HookAllocationRequest,
		Principal: req.Submitter,
		Action:    "package.submit",
		Resource:  "package/" + req.Name,
		Input: map[string]any{
			"name":      req.Name,
			"version":   req.Version,
			"submitter": req.Submitter,
		},
	}); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	p := &Package{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Version:     req.Version,
		ArtifactRef: req.ArtifactRef,
		SHA256:      strings.ToLower(req.SHA256),
		Submitter:   req.Submitter,
		Metadata:    req.Metadata,
		Status:      StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := s.chain.Append(ctx, audit.EventAllocationRequested, map[string]any{
		"packageId": p.ID,
		"name":      p.Name,
		"version":   p.Version,
		"submitter": p.Submitter,
	}, nil); err != nil {
		return nil, fmt.Errorf("pack: audit allocation: %w", err)
	}

	if err := s.store.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("pack: insert package: %w", err)
	}

	if _, err := s.chain.Append(ctx, audit.EventPackageSubmitted, map[string]any{
		"packageId":   p.ID,
		"name":        p.Name,
		"version":     p.Version,
		"artifactRef": p.ArtifactRef,
		"sha256":      p.SHA256,
		"submitter":   p.Submitter,
	}, nil); err != nil {
		return nil, fmt.Errorf("pack: audit submit: %w", err)
	}

	s.log.Info("package submitted", "packageId", p.ID, "name", p.Name, "version", p.Version)
	return p, nil
}

// Get loads one package.
func (s *Service) Get(ctx context.Context, id string) (*Package, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("package", id)
	}
	if err != nil {
		return nil, fmt.Errorf("pack: get package: %w", err)
	}
	return p, nil
}

// StartValidation enqueues a validation job for a submitted package and
// moves it to validating. Calling it again while a job is running replays
// the existing job id.
func (s *Service) StartValidation(ctx context.Context, id string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch p.Status {
	case StatusValidating:
		return p.ValidationJobID, nil
	case StatusValidated, StatusFailed:
		return "", fault.Conflict("package_terminal",
			fmt.Sprintf("package %s is %s; resubmit to validate again", id, p.Status))
	}

	jobID, err := s.validator.StartJob(ctx, p)
	if err != nil {
		return "", fmt.Errorf("pack: start validation: %w", err)
	}
	if err := s.store.BeginValidation(ctx, id, jobID, s.now().UTC()); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return "", fault.Conflict("package_status_conflict", "package moved while starting validation")
		}
		return "", fmt.Errorf("pack: begin validation: %w", err)
	}
	s.log.Info("validation started", "packageId", id, "jobId", jobID)
	return jobID, nil
}

// CompleteValidation records a validation report. Terminal packages never
// move again; a duplicate completion surfaces as a conflict.
func (s *Service) CompleteValidation(ctx context.Context, id string, report *Report) error {
	if report == nil {
		return fault.Validation("missing_report", "validation report is required")
	}
	status := StatusValidated
	eventType := audit.EventPackageValidated
	if !report.Passed {
		status = StatusFailed
		eventType = audit.EventPackageValidationFailed
	}

	if err := s.store.FinishValidation(ctx, id, status, report.ReportRef, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fault.NotFound("package", id)
		}
		if errors.Is(err, ErrStatusConflict) {
			return fault.Conflict("package_status_conflict", "package is not awaiting validation")
		}
		return fmt.Errorf("pack: finish validation: %w", err)
	}

	if _, err := s.chain.Append(ctx, eventType, map[string]any{
		"packageId": id,
		"passed":    report.Passed,
		"reportRef": report.ReportRef,
		"summary":   report.Summary,
	}, nil); err != nil {
		return fmt.Errorf("pack: audit validation result: %w", err)
	}
	s.log.Info("validation finished", "packageId", id, "passed", report.Passed)
	return nil
}

// PollValidation drives one poller tick: fetch reports for in-flight jobs
// and complete those that finished. Returns how many packages settled.
func (s *Service) PollValidation(ctx context.Context, batchSize int) (int, error) {
	pending, err := s.store.ListValidating(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("pack: list validating: %w", err)
	}
	settled := 0
	for _, p := range pending {
		report, err := s.validator.Poll(ctx, p)
		if err != nil {
			s.log.Warn("validation poll failed", "packageId", p.ID, "error", err)
			continue
		}
		if report == nil {
			continue
		}
		if err := s.CompleteValidation(ctx, p.ID, report); err != nil {
			s.log.Warn("validation completion failed", "packageId", p.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Service) validateSubmit(req *SubmitRequest) error {
	if req == nil {
		return fault.Validation("missing_body", "request body is required")
	}
	if req.Name == "" {
		return fault.Validation("missing_name", "name is required")
	}
	if !namePattern.MatchString(req.Name) {
		return fault.Validation("invalid_name", "name must be lowercase alphanumeric with . _ - separators")
	}
	if req.Version == "" {
		return fault.Validation("missing_version", "version is required")
	}
	if _, err := semver.NewVersion(req.Version); err != nil {
		return fault.Validation("invalid_version", fmt.Sprintf("version %q is not semver: %v", req.Version, err))
	}
	if req.ArtifactRef == "" {
		return fault.Validation("missing_artifact_ref", "artifactRef is required")
	}
	if !sha256Pattern.MatchString(strings.ToLower(req.SHA256)) {
		return fault.Validation("invalid_sha256", "sha256 must be 64 hex characters")
	}
	if req.Submitter == "" {
		return fault.Validation("missing_submitter", "submitter is required")
	}
	if req.Metadata != nil {
		if err := s.metadata.Validate(req.Metadata); err != nil {
			return fault.Validation("invalid_metadata", err.Error())
		}
	}
	return nil
}
