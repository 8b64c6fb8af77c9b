// Package authz is the RBAC layer: a strict role lattice evaluated against
// a per-operation requirement table.
package authz

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// rank orders the lattice roles; a higher role includes everything below it.
// Submitter sits outside the lattice and only matters where a requirement
// opts into it.
var rank = map[string]int{
	auth.RoleAuditor:      1,
	auth.RoleOperator:     2,
	auth.RoleDivisionLead: 3,
	auth.RoleSuperAdmin:   4,
}

// Requirement is what one operation demands of the caller.
type Requirement struct {
	// MinRole is the weakest lattice role that passes.
	MinRole string
	// AllowSubmitter additionally admits the submitter role. Package intake
	// routes set this so vendors can drive their own submissions.
	AllowSubmitter bool
}

// Satisfied reports whether the role set meets the requirement.
func (req Requirement) Satisfied(roles []string) bool {
	need, known := rank[req.MinRole]
	for _, role := range roles {
		if req.AllowSubmitter && role == auth.RoleSubmitter {
			return true
		}
		if r, ok := rank[role]; ok && known && r >= need {
			return true
		}
	}
	return false
}

// Operation names for the requirement table. The api layer tags each route
// with one of these.
const (
	OpPackageSubmit          = "packages.submit"
	OpPackageGet             = "packages.get"
	OpPackageValidate        = "packages.validate"
	OpManifestCreate         = "manifests.create"
	OpManifestSign           = "manifests.sign"
	OpManifestRequestMultsig = "manifests.request_multisig"
	OpManifestApply          = "manifests.apply"
	OpManifestStatus         = "manifests.status"
	OpUpgradeApprove         = "upgrades.approve"
	OpUpgradeApply           = "upgrades.apply"
	OpUpgradeEmergencyApply  = "upgrades.emergency_apply"
	OpUpgradeRatify          = "upgrades.ratify"
	OpUpgradeReject          = "upgrades.reject"
	OpPublishNotify          = "publish.notify"
	OpPublishRetry           = "publish.retry"
	OpAuditGet               = "audit.get"
)

// routes is the requirement table for the request surface.
var routes = map[string]Requirement{
	OpPackageSubmit:          {MinRole: auth.RoleOperator, AllowSubmitter: true},
	OpPackageGet:             {MinRole: auth.RoleAuditor, AllowSubmitter: true},
	OpPackageValidate:        {MinRole: auth.RoleOperator, AllowSubmitter: true},
	OpManifestCreate:         {MinRole: auth.RoleOperator, AllowSubmitter: true},
	OpManifestSign:           {MinRole: auth.RoleOperator},
	OpManifestRequestMultsig: {MinRole: auth.RoleOperator},
	OpManifestApply:          {MinRole: auth.RoleOperator},
	OpManifestStatus:         {MinRole: auth.RoleAuditor},
	OpUpgradeApprove:         {MinRole: auth.RoleOperator},
	OpUpgradeApply:           {MinRole: auth.RoleOperator},
	OpUpgradeEmergencyApply:  {MinRole: auth.RoleSuperAdmin},
	OpUpgradeRatify:          {MinRole: auth.RoleOperator},
	OpUpgradeReject:          {MinRole: auth.RoleDivisionLead},
	OpPublishNotify:          {MinRole: auth.RoleOperator},
	OpPublishRetry:           {MinRole: auth.RoleOperator},
	OpAuditGet:               {MinRole: auth.RoleAuditor},
}

// Lookup returns the requirement for an operation. Unknown operations fail
// closed with an impossible requirement.
func Lookup(operation string) Requirement {
	if req, ok := routes[operation]; ok {
		return req
	}
	return Requirement{}
}

// Require evaluates the operation's requirement against the context
// principal.
func Require(ctx context.Context, operation string) error {
	p, err := auth.GetPrincipal(ctx)
	if err != nil {
		return fault.Unauthenticated("request carries no principal")
	}
	if !Lookup(operation).Satisfied(p.GetRoles()) {
		return fault.Forbidden(fmt.Sprintf("principal %s lacks the role for %s", p.GetID(), operation))
	}
	return nil
}
