package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SamplingPolicy is the declarative audit sampling table. Core event types
// are never sampled out; everything else defaults to rate 1.0 unless a rule
// lowers it. Sampled-out events are not appended at all, so the chain stays
// unbroken.
type SamplingPolicy struct {
	NeverSample []string       `yaml:"never_sample" json:"never_sample"`
	Rules       []SamplingRule `yaml:"rules" json:"rules"`
}

// SamplingRule lowers the sampling rate for one event type (exact match or
// a trailing-* prefix match).
type SamplingRule struct {
	EventType string  `yaml:"event_type" json:"event_type"`
	Rate      float64 `yaml:"rate" json:"rate"` // 0.0 .. 1.0
}

// ClassificationPolicy is the publisher error classification table.
type ClassificationPolicy struct {
	Rules []ClassificationRule `yaml:"rules" json:"rules"`
}

// ClassificationRule maps an HTTP status range from a publisher to a result
// class. Network errors and cancellations classify as retryable regardless.
type ClassificationRule struct {
	StatusFrom int    `yaml:"status_from" json:"status_from"`
	StatusTo   int    `yaml:"status_to" json:"status_to"`
	Class      string `yaml:"class" json:"class"` // "success" | "retryable" | "fatal"
}

// LoadSamplingPolicy reads the audit sampling policy YAML. An empty path
// yields a policy that samples nothing out.
func LoadSamplingPolicy(path string) (*SamplingPolicy, error) {
	if path == "" {
		return &SamplingPolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sampling policy: %w", err)
	}
	var p SamplingPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse sampling policy: %w", err)
	}
	for _, r := range p.Rules {
		if r.Rate < 0 || r.Rate > 1 {
			return nil, fmt.Errorf("sampling policy: rate %v for %q out of range", r.Rate, r.EventType)
		}
	}
	return &p, nil
}

// LoadClassificationPolicy reads the publisher classification YAML. An empty
// path yields the built-in defaults (2xx success; 408, 429, and 5xx
// retryable; remaining 4xx fatal; 401 and 403 retryable so credential
// rotation does not burn attempts).
func LoadClassificationPolicy(path string) (*ClassificationPolicy, error) {
	if path == "" {
		return DefaultClassificationPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load classification policy: %w", err)
	}
	var p ClassificationPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse classification policy: %w", err)
	}
	for _, r := range p.Rules {
		switch r.Class {
		case "success", "retryable", "fatal":
		default:
			return nil, fmt.Errorf("classification policy: unknown class %q", r.Class)
		}
	}
	return &p, nil
}

// DefaultClassificationPolicy returns the built-in publisher error table.
func DefaultClassificationPolicy() *ClassificationPolicy {
	return &ClassificationPolicy{Rules: []ClassificationRule{
		{StatusFrom: 200, StatusTo: 299, Class: "success"},
		{StatusFrom: 401, StatusTo: 401, Class: "retryable"},
		{StatusFrom: 403, StatusTo: 403, Class: "retryable"},
		{StatusFrom: 408, StatusTo: 408, Class: "retryable"},
		{StatusFrom: 429, StatusTo: 429, Class: "retryable"},
		{StatusFrom: 400, StatusTo: 499, Class: "fatal"},
		{StatusFrom: 500, StatusTo: 599, Class: "retryable"},
	}}
}

// Classify resolves an HTTP status through the rule table, first match wins.
// Unmatched statuses are fatal so surprises never retry forever.
func (p *ClassificationPolicy) Classify(status int) string {
	for _, r := range p.Rules {
		if status >= r.StatusFrom && status <= r.StatusTo {
			return r.Class
		}
	}
	return "fatal"
}
