package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
)

// IdempotencyConfig wires the claim-before-handler middleware.
type IdempotencyConfig struct {
	Store idempotency.Store
	// BodyLimit caps response bodies the store will accept. Larger
	// responses are rejected with 413 and no record is kept.
	BodyLimit int64
	// Production makes the Idempotency-Key header mandatory on writes.
	Production bool
	Clock      func() time.Time
}

// NewIdempotencyMiddleware claims the Idempotency-Key before the handler
// runs. Replays serve the stored response verbatim; a key reused with a
// different body gets 412; only the claim winner executes the handler, and
// only its successful response is recorded.
func NewIdempotencyMiddleware(cfg IdempotencyConfig) func(http.Handler) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				if cfg.Production {
					WriteFault(w, r, fault.Validation("missing_idempotency_key",
						"mutating requests must carry an Idempotency-Key header"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
			if err != nil {
				WriteFault(w, r, fault.Validation("request_too_large", "request body exceeds 1 MiB"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))

			// Records are scoped per route: the same key on another method or
			// path is a fresh record, never a conflict.
			storeKey := RouteKey(r.Method, r.URL.Path, key)
			claim, err := cfg.Store.Claim(r.Context(), storeKey, idempotency.HashRequestBody(raw), cfg.Clock())
			if err != nil {
				WriteFault(w, r, err)
				return
			}
			switch claim.Outcome {
			case idempotency.OutcomeClaimed:
				// First sighting: run the handler below.
			case idempotency.OutcomeReplay:
				rec := claim.Record
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(rec.StatusCode)
				if _, err := w.Write(rec.ResponseBody); err != nil {
					slog.Error("idempotency replay write failed", "key", key, "error", err)
				}
				return
			default:
				WriteFault(w, r, claim.Err())
				return
			}

			capture := newResponseCapture()
			next.ServeHTTP(capture, r)

			// The outcome must be recorded even when the caller has gone away.
			ctx := context.WithoutCancel(r.Context())
			switch {
			case capture.status < 200 || capture.status > 299:
				// Failures release the claim so the caller may retry.
				cfg.release(ctx, storeKey)
				capture.flush(w)
			case cfg.BodyLimit > 0 && int64(capture.body.Len()) > cfg.BodyLimit:
				cfg.release(ctx, storeKey)
				WriteFault(w, r, fault.Validation("idempotency_body_too_large",
					"response body exceeds the idempotency store limit"))
			default:
				if err := cfg.Store.Complete(ctx, storeKey, capture.status, capture.body.Bytes(), cfg.Clock()); err != nil {
					slog.Error("idempotency record failed", "key", key, "error", err)
				}
				capture.flush(w)
			}
		})
	}
}

func (cfg IdempotencyConfig) release(ctx context.Context, key string) {
	if err := cfg.Store.Release(ctx, key); err != nil {
		slog.Error("idempotency release failed", "key", key, "error", err)
	}
}

// RouteKey composes the storage key for an idempotency record. The caller's
// key is bound to one method and path, so reuse on another route is a fresh
// record rather than a conflict.
func RouteKey(method, path, key string) string {
	return method + " " + path + " " + key
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// responseCapture buffers the handler's response so the middleware can
// decide whether to store it before anything reaches the wire.
type responseCapture struct {
	status      int
	wroteHeader bool
	header      http.Header
	body        bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{status: http.StatusOK, header: make(http.Header)}
}

func (c *responseCapture) Header() http.Header { return c.header }

func (c *responseCapture) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.status = status
	c.wroteHeader = true
}

func (c *responseCapture) Write(b []byte) (int, error) {
	c.wroteHeader = true
	return c.body.Write(b)
}

func (c *responseCapture) flush(w http.ResponseWriter) {
	for k, vv := range c.header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(c.status)
	if _, err := w.Write(c.body.Bytes()); err != nil {
		slog.Error("response flush failed", "error", err)
	}
}
