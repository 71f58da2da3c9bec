package auth

import (
	"context"
	"fmt"
	"sort"

	"reflowline/internal/config"
	"reflowline/internal/reflow"
	"reflowline/internal/repo"
)

// Permission ids used in rbac.roles.
const (
	PermReflowPreview      = "reflow.preview"
	PermReflowApply        = "reflow.apply"
	PermActivityTransition = "activity.transition"
	PermEvidenceAttach     = "evidence.attach"
	PermPlanEdit           = "plan.edit"
	PermBaselineManage     = "baseline.manage"
	PermAPIKeyManage       = "apikey.manage"
)

// ForbiddenError indicates a missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Capability is one column of the view-mode permission matrix.
type Capability string

const (
	CapModifyState    Capability = "modify_state"
	CapApplyReflow    Capability = "apply_reflow"
	CapAttachEvidence Capability = "attach_evidence"
	CapExport         Capability = "export"
)

// RequireMode refuses capabilities the view mode does not grant. The error
// wraps reflow.ErrReadOnlyMode so callers map it the same way as apply refusals.
func RequireMode(mode reflow.ViewMode, c Capability) error {
	p := reflow.PermissionsFor(mode)
	var ok bool
	switch c {
	case CapModifyState:
		ok = p.CanModifyState
	case CapApplyReflow:
		ok = p.CanApplyReflow
	case CapAttachEvidence:
		ok = p.CanAttachEvidence
	case CapExport:
		ok = p.CanExport
	}
	if ok {
		return nil
	}
	return &reflow.ApprovalError{Mode: mode, Err: reflow.ErrReadOnlyMode}
}

// Service resolves actor permissions from config roles plus stored assignments.
type Service struct {
	Repo   repo.Repo
	Config func() *config.Config
}

func (s Service) cfg() *config.Config {
	if s.Config == nil {
		return nil
	}
	return s.Config()
}

// Enabled reports whether any roles are configured. Without roles every actor may do everything.
func (s Service) Enabled() bool {
	cfg := s.cfg()
	return cfg != nil && len(cfg.RBAC.Roles) > 0
}

// ActorRoles merges rbac.actors from config with roles assigned in the workspace.
func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	set := map[string]bool{}
	if cfg := s.cfg(); cfg != nil {
		for _, r := range cfg.RBAC.Actors[actorID] {
			set[r] = true
		}
	}
	if s.Repo.DB != nil {
		stored, err := s.Repo.ActorRoles(ctx, actorID)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			set[r] = true
		}
	}
	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles, nil
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	roles, err := s.ActorRoles(ctx, actorID)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg()
	set := map[string]bool{}
	for _, r := range roles {
		if cfg == nil {
			break
		}
		for _, p := range cfg.RBAC.Roles[r].Permissions {
			set[p] = true
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, actorID, perm string) (bool, error) {
	if !s.Enabled() {
		return true, nil
	}
	perms, err := s.ActorPermissions(ctx, actorID)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(perms, perm)
	return i < len(perms) && perms[i] == perm, nil
}

// Require returns ForbiddenError when actorID lacks perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{ActorID: actorID, Permission: perm}
	}
	return nil
}
