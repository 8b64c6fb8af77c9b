package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/authz"
)

func (s *Server) handleUpgradeApprove(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpUpgradeApprove); err != nil {
		WriteFault(w, r, err)
		return
	}
	var req struct {
		Signature string `json:"signature"`
		Notes     string `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteFault(w, r, err)
		return
	}
	approval, err := s.upgrades.Approve(r.Context(), r.PathValue("upgradeId"),
		auth.ActorID(r.Context()), req.Signature, req.Notes)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusCreated, map[string]any{"approval": approval})
}

// handleUpgradeApply finalizes a quorum-complete upgrade. With
// {"emergency": true} it bypasses quorum under the superadmin-only
// break-glass path and starts the ratification clock.
func (s *Server) handleUpgradeApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emergency     bool   `json:"emergency"`
		Justification string `json:"justification"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteFault(w, r, err)
			return
		}
	}
	upgradeID := r.PathValue("upgradeId")
	actor := auth.ActorID(r.Context())

	if req.Emergency {
		if err := authz.Require(r.Context(), authz.OpUpgradeEmergencyApply); err != nil {
			WriteFault(w, r, err)
			return
		}
		p, err := s.upgrades.EmergencyApply(r.Context(), upgradeID, actor, req.Justification)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, map[string]any{"upgrade": p})
		return
	}

	if err := authz.Require(r.Context(), authz.OpUpgradeApply); err != nil {
		WriteFault(w, r, err)
		return
	}
	p, approvers, err := s.upgrades.Apply(r.Context(), upgradeID, actor)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{
		"upgrade": p,
		"quorum": map[string]any{
			"approvers": approvers,
			"required":  p.Required,
		},
	})
}

func (s *Server) handleUpgradeRatify(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpUpgradeRatify); err != nil {
		WriteFault(w, r, err)
		return
	}
	p, err := s.upgrades.Ratify(r.Context(), r.PathValue("upgradeId"), auth.ActorID(r.Context()))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{"upgrade": p})
}

func (s *Server) handleUpgradeReject(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpUpgradeReject); err != nil {
		WriteFault(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteFault(w, r, err)
			return
		}
	}
	p, err := s.upgrades.Reject(r.Context(), r.PathValue("upgradeId"),
		auth.ActorID(r.Context()), req.Reason)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{"upgrade": p})
}
