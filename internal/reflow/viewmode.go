package reflow

import "fmt"

// ViewMode is the caller's working mode. Only live may write.
type ViewMode string

const (
	ModeLive     ViewMode = "live"
	ModeHistory  ViewMode = "history"
	ModeApproval ViewMode = "approval"
	ModeCompare  ViewMode = "compare"
)

type Permissions struct {
	CanModifyState    bool `json:"can_modify_state"`
	CanApplyReflow    bool `json:"can_apply_reflow"`
	CanAttachEvidence bool `json:"can_attach_evidence"`
	CanExport         bool `json:"can_export"`
}

var permissionMatrix = map[ViewMode]Permissions{
	ModeLive:     {CanModifyState: true, CanApplyReflow: true, CanAttachEvidence: true, CanExport: true},
	ModeHistory:  {CanExport: true},
	ModeApproval: {CanExport: true},
	ModeCompare:  {CanExport: true},
}

// ParseViewMode treats the empty string as live.
func ParseViewMode(s string) (ViewMode, error) {
	if s == "" {
		return ModeLive, nil
	}
	m := ViewMode(s)
	if _, ok := permissionMatrix[m]; !ok {
		return "", fmt.Errorf("unknown view mode %q", s)
	}
	return m, nil
}

// PermissionsFor returns the permission set of m; unknown modes get none.
func PermissionsFor(m ViewMode) Permissions {
	if m == "" {
		m = ModeLive
	}
	return permissionMatrix[m]
}

func (m ViewMode) ReadOnly() bool {
	return !PermissionsFor(m).CanApplyReflow
}
