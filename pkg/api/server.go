// Package api is the HTTP request surface. Handlers decode JSON, check the
// caller's role, call a domain engine, and wrap the result in the
// {ok, ...} envelope; the middleware chain (request id, rate limit, auth,
// idempotency) is assembled by the node entrypoint.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/manifest"
	"github.com/Mindburn-Labs/keel/pkg/multisig"
	"github.com/Mindburn-Labs/keel/pkg/pack"
	"github.com/Mindburn-Labs/keel/pkg/publish"
)

// ReadyCheck is one readiness probe; Probe returns nil when the dependency
// is reachable.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps carries the domain engines the handlers call.
type Deps struct {
	Packages  *pack.Service
	Manifests *manifest.Engine
	Upgrades  *multisig.Coordinator
	Publisher *publish.Driver
	Audit     *audit.Chain
	Ready     []ReadyCheck
	Log       *slog.Logger
}

// Server routes requests to the domain engines.
type Server struct {
	packs     *pack.Service
	manifests *manifest.Engine
	upgrades  *multisig.Coordinator
	publisher *publish.Driver
	audits    *audit.Chain
	ready     []ReadyCheck
	log       *slog.Logger
}

// NewServer builds the request surface over the given engines.
func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		packs:     deps.Packages,
		manifests: deps.Manifests,
		upgrades:  deps.Upgrades,
		publisher: deps.Publisher,
		audits:    deps.Audit,
		ready:     deps.Ready,
		log:       log.With("component", "api"),
	}
}

// Routes registers every handler on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST /packages/submit", s.handlePackageSubmit)
	mux.HandleFunc("GET /packages/{id}", s.handlePackageGet)
	mux.HandleFunc("POST /packages/{id}/validate", s.handlePackageValidate)

	mux.HandleFunc("POST /manifests/create", s.handleManifestCreate)
	mux.HandleFunc("POST /manifests/{id}/submit-for-signing", s.handleManifestSign)
	mux.HandleFunc("POST /manifests/{id}/request-multisig", s.handleManifestRequestMultisig)
	mux.HandleFunc("POST /manifests/{id}/apply", s.handleManifestApply)
	mux.HandleFunc("GET /manifests/{id}/status", s.handleManifestStatus)

	mux.HandleFunc("POST /upgrades/{upgradeId}/approve", s.handleUpgradeApprove)
	mux.HandleFunc("POST /upgrades/{upgradeId}/apply", s.handleUpgradeApply)
	mux.HandleFunc("POST /upgrades/{upgradeId}/ratify", s.handleUpgradeRatify)
	mux.HandleFunc("POST /upgrades/{upgradeId}/reject", s.handleUpgradeReject)

	mux.HandleFunc("POST /publish/notify", s.handlePublishNotify)
	mux.HandleFunc("POST /publish/{manifestId}/retry", s.handlePublishRetry)

	mux.HandleFunc("GET /audit/{eventId}", s.handleAuditGet)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteOK(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleReady runs every configured probe; any failure renders 503 so load
// balancers hold traffic until the dependency recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check.Probe(r.Context()); err != nil {
			s.log.Warn("readiness probe failed", "check", check.Name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok": false,
				"error": errorBody{
					Code:    "not_ready",
					Message: "a readiness probe failed",
					Details: map[string]any{"check": check.Name},
				},
			})
			return
		}
	}
	WriteOK(w, http.StatusOK, map[string]any{"status": "ready"})
}
