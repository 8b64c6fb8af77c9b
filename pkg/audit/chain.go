package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/signing"
)

// headRetries bounds re-reads of the chain head when concurrent appenders
// race on the serialization point.
const headRetries = 3

// dedupeWindow bounds the (eventType, payloadHash) memory used to collapse
// duplicate appends from replayed callers.
const dedupeWindow = 1024

// Metrics is the optional counter sink for fresh appends.
type Metrics interface {
	CountAuditAppend(ctx context.Context, eventType string)
}

// Chain appends signed events to a Store. Hashing and signing happen outside
// any store transaction; a losing appender re-reads the head and retries.
type Chain struct {
	store    Store
	signer   signing.Gateway
	registry *signing.Registry
	kid      string
	sampler  *Sampler
	metrics  Metrics
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	seen     map[string]string // eventType:payloadHash -> event id
	seenFifo []string
}

// ChainOption tweaks Chain construction.
type ChainOption func(*Chain)

// WithSampler installs a sampling policy. Absent one, every event is kept.
func WithSampler(s *Sampler) ChainOption {
	return func(c *Chain) { c.sampler = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) { c.now = now }
}

// WithRegistry makes the chain verify every fresh signature against the
// signer registry before persisting, failing closed on mismatch.
func WithRegistry(reg *signing.Registry) ChainOption {
	return func(c *Chain) { c.registry = reg }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ChainOption {
	return func(c *Chain) { c.log = log.With("component", "audit-chain") }
}

// WithMetrics installs the append counter. Dedupe replays and sampled-out
// events do not count.
func WithMetrics(m Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// NewChain builds a chain over store, signing with kid through signer.
func NewChain(store Store, signer signing.Gateway, kid string, opts ...ChainOption) *Chain {
	c := &Chain{
		store:   store,
		signer:  signer,
		kid:     kid,
		sampler: NewSampler(nil),
		now:     time.Now,
		log:     slog.Default().With("component", "audit-chain"),
		seen:    make(map[string]string, dedupeWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append canonicalizes payload, links it to the current head, signs the hash
// and persists the event. A duplicate (eventType, payload) within the dedupe
// window returns the previously appended event. Sampled-out events return
// (nil, nil). Signer outages propagate unchanged so callers can fail the
// surrounding operation.
func (c *Chain) Append(ctx context.Context, eventType string, payload any, metadata map[string]string) (*Event, error) {
	id := uuid.NewString()
	if !c.sampler.Keep(eventType, id) {
		return nil, nil
	}

	canon, err := canonical.MarshalCanonical(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize %s payload: %w", eventType, err)
	}
	payloadHash := canonical.HashBytes(canon)

	if prior := c.recall(eventType, payloadHash); prior != "" {
		ev, err := c.store.GetByID(ctx, prior)
		if err == nil {
			return ev, nil
		}
		// Fall through and append fresh if the recalled event is gone.
	}

	alg := c.algorithm()

	var lastErr error
	for attempt := 0; attempt < headRetries; attempt++ {
		head, err := c.store.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit: read head: %w", err)
		}
		prevBytes, err := hex.DecodeString(head)
		if err != nil {
			return nil, fmt.Errorf("audit: corrupt head hash %q: %w", head, err)
		}

		sum := sha256.Sum256(append(append([]byte{}, canon...), prevBytes...))
		hashHex := hex.EncodeToString(sum[:])

		sig, err := c.signer.Sign(ctx, c.kid, sum[:], alg)
		if err != nil {
			return nil, fmt.Errorf("audit: sign %s: %w", eventType, err)
		}
		if c.registry != nil {
			if err := c.registry.VerifyDigest(c.kid, sum[:], sig); err != nil {
				return nil, fmt.Errorf("audit: signature self-check %s: %w", c.kid, err)
			}
		}

		ev := &Event{
			ID:        id,
			Type:      eventType,
			Payload:   canon,
			PrevHash:  head,
			Hash:      hashHex,
			Signature: base64.StdEncoding.EncodeToString(sig),
			SignerKid: c.kid,
			Ts:        c.now().UTC().Truncate(time.Millisecond),
			Metadata:  metadata,
		}

		err = c.store.Insert(ctx, ev)
		if err == nil {
			c.remember(eventType, payloadHash, ev.ID)
			if c.metrics != nil {
				c.metrics.CountAuditAppend(ctx, eventType)
			}
			return ev, nil
		}
		if ctx.Err() != nil {
			return nil, fault.Canceled(ctx.Err())
		}
		if !errors.Is(err, ErrHeadMoved) {
			return nil, fmt.Errorf("audit: insert %s: %w", eventType, err)
		}
		lastErr = err
		c.log.Warn("chain head moved, retrying append",
			"eventType", eventType, "attempt", attempt+1)
	}
	return nil, fault.Internal(fmt.Errorf("audit: append %s: head contention after %d attempts: %w", eventType, headRetries, lastErr))
}

// Get returns an event by id, mapping absence to a not-found fault.
func (c *Chain) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := c.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fault.NotFound("audit event", id)
		}
		return nil, fmt.Errorf("audit: get %s: %w", id, err)
	}
	return ev, nil
}

// Window returns events whose timestamps fall in [from, to], in insertion
// order.
func (c *Chain) Window(ctx context.Context, from, to time.Time) ([]*Event, error) {
	evs, err := c.store.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: range: %w", err)
	}
	return evs, nil
}

func (c *Chain) algorithm() signing.Algorithm {
	if c.registry != nil {
		if info, ok := c.registry.Lookup(c.kid); ok {
			return signing.Algorithm(info.Algorithm)
		}
	}
	return signing.AlgorithmEd25519
}

func (c *Chain) recall(eventType, payloadHash string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[eventType+":"+payloadHash]
}

func (c *Chain) remember(eventType, payloadHash, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := eventType + ":" + payloadHash
	if _, dup := c.seen[key]; dup {
		return
	}
	if len(c.seenFifo) >= dedupeWindow {
		oldest := c.seenFifo[0]
		c.seenFifo = c.seenFifo[1:]
		delete(c.seen, oldest)
	}
	c.seen[key] = id
	c.seenFifo = append(c.seenFifo, key)
}

