package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/authz"
	"github.com/Mindburn-Labs/keel/pkg/manifest"
	"github.com/Mindburn-Labs/keel/pkg/pack"
)

func (s *Server) handlePackageSubmit(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpPackageSubmit); err != nil {
		WriteFault(w, r, err)
		return
	}
	var req pack.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteFault(w, r, err)
		return
	}
	if req.Submitter == "" {
		req.Submitter = auth.ActorID(r.Context())
	}
	p, err := s.packs.Submit(r.Context(), &req)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusCreated, map[string]any{
		"packageId": p.ID,
		"status":    "validation_pending",
	})
}

func (s *Server) handlePackageGet(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpPackageGet); err != nil {
		WriteFault(w, r, err)
		return
	}
	p, err := s.packs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{"package": p})
}

func (s *Server) handlePackageValidate(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpPackageValidate); err != nil {
		WriteFault(w, r, err)
		return
	}
	id := r.PathValue("id")
	jobID, err := s.packs.StartValidation(r.Context(), id)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusAccepted, map[string]any{
		"packageId": id,
		"jobId":     jobID,
		"status":    "validating",
	})
}

func (s *Server) handleManifestCreate(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpManifestCreate); err != nil {
		WriteFault(w, r, err)
		return
	}
	var req manifest.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteFault(w, r, err)
		return
	}
	req.Actor = auth.ActorID(r.Context())
	m, err := s.manifests.Create(r.Context(), &req)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusCreated, map[string]any{
		"manifestId": m.ID,
		"status":     m.Status,
	})
}

func (s *Server) handleManifestSign(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpManifestSign); err != nil {
		WriteFault(w, r, err)
		return
	}
	sig, m, err := s.manifests.Sign(r.Context(), r.PathValue("id"), auth.ActorID(r.Context()))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{
		"manifestId":     m.ID,
		"signatureId":    sig.ID,
		"signedManifest": m,
	})
}

func (s *Server) handleManifestRequestMultisig(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpManifestRequestMultsig); err != nil {
		WriteFault(w, r, err)
		return
	}
	m, err := s.manifests.RequestMultisig(r.Context(), r.PathValue("id"), auth.ActorID(r.Context()))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusAccepted, map[string]any{
		"upgradeId": m.UpgradeID,
		"status":    m.Status,
	})
}

func (s *Server) handleManifestApply(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpManifestApply); err != nil {
		WriteFault(w, r, err)
		return
	}
	m, err := s.manifests.Apply(r.Context(), r.PathValue("id"), auth.ActorID(r.Context()))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{
		"manifestId": m.ID,
		"status":     m.Status,
	})
}

func (s *Server) handleManifestStatus(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(r.Context(), authz.OpManifestStatus); err != nil {
		WriteFault(w, r, err)
		return
	}
	m, history, err := s.manifests.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteOK(w, http.StatusOK, map[string]any{
		"manifestId": m.ID,
		"status":     m.Status,
		"history":    history,
	})
}
