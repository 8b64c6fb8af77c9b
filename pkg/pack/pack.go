// Package pack owns package intake: submission, shape validation, and the
// validation job lifecycle that gates manifest creation.
package pack

import (
	"context"
	"errors"
	"time"
)

// Status is the package lifecycle state. It only moves forward; validated
// and failed are terminal.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusValidating Status = "validating"
	StatusValidated  Status = "validated"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusValidated || s == StatusFailed
}

var (
	ErrNotFound       = errors.New("pack: package not found")
	ErrStatusConflict = errors.New("pack: package status conflict")
)

// Package is a submitted product package awaiting validation.
type Package struct {
	ID                  string         `json:"packageId"`
	Name                string         `json:"name"`
	Version             string         `json:"version"`
	ArtifactRef         string         `json:"artifactRef"`
	SHA256              string         `json:"sha256"`
	Submitter           string         `json:"submitter"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Status              Status         `json:"status"`
	ValidationJobID     string         `json:"validationJobId,omitempty"`
	ValidationReportRef string         `json:"validationReportRef,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Report is the outcome of a validation job.
type Report struct {
	Passed    bool   `json:"passed"`
	ReportRef string `json:"reportRef"`
	Summary   string `json:"summary,omitempty"`
}

// Store persists packages. Transition methods are conditional on the current
// status and return ErrStatusConflict when another caller moved the row first.
type Store interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, p *Package) error
	Get(ctx context.Context, id string) (*Package, error)
	BeginValidation(ctx context.Context, id, jobID string, at time.Time) error
	FinishValidation(ctx context.Context, id string, status Status, reportRef string, at time.Time) error
	ListValidating(ctx context.Context, limit int) ([]*Package, error)
}
