package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/authz"
	"github.com/Mindburn-Labs/keel/pkg/publish"
)

// handlePublishNotify ingests a completion callback from an external
// publisher. It settles the referenced task through the same transition
// guards the worker loop uses.
func (s *Server) handlePublishNotify(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpPublishNotify); err != nil {
		WriteFault(w, r, err)
		return
	}
	var n publish.Notification
	if err := decodeJSON(r, &n); err != nil {
		WriteFault(w, r, err)
		return
	}
	task, err := s.publisher.Notify(r.Context(), &n)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handlePublishRetry(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpPublishRetry); err != nil {
		WriteFault(w, r, err)
		return
	}
	manifestID := r.PathValue("manifestId")
	reset, err := s.publisher.AdminRetry(r.Context(), manifestID, auth.ActorID(r.Context()))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{
		"manifestId": manifestID,
		"tasksReset": reset,
	})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpAuditGet); err != nil {
		WriteFault(w, r, err)
		return
	}
	event, err := s.audits.Get(r.Context(), r.PathValue("eventId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{"event": event})
}
