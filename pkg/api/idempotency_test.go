package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/api"
	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
)

// idemFixture wraps a counting handler in the idempotency middleware.
type idemFixture struct {
	store   *idempotency.MemoryStore
	handler http.Handler
	calls   atomic.Int32
}

func newIdemFixture(t *testing.T, production bool, bodyLimit int64, inner http.HandlerFunc) *idemFixture {
	t.Helper()
	f := &idemFixture{store: idempotency.NewMemoryStore()}
	if inner == nil {
		inner = func(w http.ResponseWriter, r *http.Request) {
			n := f.calls.Add(1)
			api.WriteOK(w, http.StatusCreated, map[string]any{"call": n})
		}
	}
	mw := api.NewIdempotencyMiddleware(api.IdempotencyConfig{
		Store:      f.store,
		BodyLimit:  bodyLimit,
		Production: production,
	})
	f.handler = mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner(w, r)
	}))
	return f
}

func (f *idemFixture) post(t *testing.T, key, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/manifests/create", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec, out
}

func TestIdempotency_ReplaysCompletedResponse(t *testing.T) {
	f := newIdemFixture(t, false, 0, nil)

	rec, body := f.post(t, "k1", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 1, body["call"])
	assert.Empty(t, rec.Header().Get("Idempotency-Replayed"))

	rec, body = f.post(t, "k1", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 1, body["call"], "replay must not re-execute")
	assert.Equal(t, "true", rec.Header().Get("Idempotency-Replayed"))
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestIdempotency_SameKeyDifferentBodyIs412(t *testing.T) {
	f := newIdemFixture(t, false, 0, nil)

	rec, _ := f.post(t, "k1", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.post(t, "k1", `{"a":2}`)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "idempotency_key_conflict", errCode(t, body))
	assert.EqualValues(t, 1, f.calls.Load(), "state unchanged")
}

func TestIdempotency_CanonicallyEqualBodiesReplay(t *testing.T) {
	f := newIdemFixture(t, false, 0, nil)

	rec, _ := f.post(t, "k1", `{"a":1,"b":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Key order does not change the request hash.
	rec, _ = f.post(t, "k1", `{"b":2,"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotency-Replayed"))
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestIdempotency_OversizedResponseIs413AndNotStored(t *testing.T) {
	f := newIdemFixture(t, false, 16, func(w http.ResponseWriter, r *http.Request) {
		api.WriteOK(w, http.StatusOK, map[string]any{"blob": strings.Repeat("x", 64)})
	})

	rec, body := f.post(t, "k1", `{"a":1}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "idempotency_body_too_large", errCode(t, body))

	// No record was kept: the same key and body run the handler again and
	// hit the same cap.
	rec, body = f.post(t, "k1", `{"a":1}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "idempotency_body_too_large", errCode(t, body))
}

func TestIdempotency_FailedAttemptReleasesClaim(t *testing.T) {
	var attempts atomic.Int32
	f := newIdemFixture(t, false, 0, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			api.WriteFault(w, r, fault.Conflict("simulated_conflict", "downstream raced this write"))
			return
		}
		api.WriteOK(w, http.StatusCreated, map[string]any{"ok": true})
	})

	rec, body := f.post(t, "k1", `{"a":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "simulated_conflict", errCode(t, body))

	// The failure released the claim, so the retry executes.
	rec, _ = f.post(t, "k1", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 2, attempts.Load())

	// And the success is now replayable.
	rec, _ = f.post(t, "k1", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotency-Replayed"))
	assert.EqualValues(t, 2, attempts.Load())
}

func TestIdempotency_InFlightKeyIsConflict(t *testing.T) {
	f := newIdemFixture(t, false, 0, nil)

	// Another caller holds the pending claim.
	raw := `{"a":1}`
	_, err := f.store.Claim(context.Background(),
		api.RouteKey(http.MethodPost, "/manifests/create", "k1"),
		idempotency.HashRequestBody([]byte(raw)), time.Now())
	require.NoError(t, err)

	rec, body := f.post(t, "k1", raw)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_in_flight", errCode(t, body))
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestIdempotency_SameKeyOnAnotherRouteIsIndependent(t *testing.T) {
	f := newIdemFixture(t, false, 0, nil)

	rec, _ := f.post(t, "k1", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The key is scoped to (method, path): a different route executes fresh
	// even with a different body.
	req := httptest.NewRequest(http.MethodPost, "/packages/submit", strings.NewReader(`{"b":2}`))
	req.Header.Set("Idempotency-Key", "k1")
	rec2 := httptest.NewRecorder()
	f.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestIdempotency_ProductionRequiresKey(t *testing.T) {
	f := newIdemFixture(t, true, 0, nil)

	rec, body := f.post(t, "", `{"a":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_idempotency_key", errCode(t, body))
	assert.EqualValues(t, 0, f.calls.Load())

	// Reads never need a key.
	req := httptest.NewRequest(http.MethodGet, "/packages/p-1", nil)
	rec2 := httptest.NewRecorder()
	f.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusCreated, rec2.Code)
}

func TestIdempotency_DevelopmentWithoutKeyExecutesEveryTime(t *testing.T) {
	f := newIdemFixture(t, false, 0, nil)

	for i := 1; i <= 2; i++ {
		rec, body := f.post(t, "", `{"a":1}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.EqualValues(t, i, body["call"])
	}
}
