package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget is the objective for one pipeline operation, e.g. "publish" or
// "validate".
type SLOTarget struct {
	SLOID       string        `json:"sloId"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latencyP99"`
	SuccessRate float64       `json:"successRate"` // 0..1
	WindowHours int           `json:"windowHours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports compliance over the evaluation window.
type SLOStatus struct {
	SLOID            string  `json:"sloId"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"currentP99Ms"`
	CurrentSuccess   float64 `json:"currentSuccessRate"`
	InCompliance     bool    `json:"inCompliance"`
	BurnRate         float64 `json:"burnRate"` // >1 burns budget faster than the window allows
	ErrorBudgetLeft  float64 `json:"errorBudgetLeft"`
	ObservationCount int     `json:"observationCount"`
}

// SLOTracker accumulates observations per operation and evaluates them
// against the configured targets. Observations older than the target window
// drop on the next Record for that operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the timestamp source.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget installs the objective for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record appends an observation and prunes points that fell out of the
// operation's window.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	kept := append(t.observations[obs.Operation], obs)

	if target, ok := t.targets[obs.Operation]; ok && target.WindowHours > 0 {
		cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
		live := kept[:0]
		for _, o := range kept {
			if o.Timestamp.After(cutoff) {
				live = append(live, o)
			}
		}
		kept = live
	}
	t.observations[obs.Operation] = kept
}

// Status evaluates the operation's window.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for operation %q", operation)
	}

	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	inCompliance := p99 <= float64(target.LatencyP99.Milliseconds()) &&
		successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     inCompliance,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
