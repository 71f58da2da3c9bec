package domain

import "time"

type ActivityState string

const (
	StateDraft      ActivityState = "draft"
	StatePlanned    ActivityState = "planned"
	StateReady      ActivityState = "ready"
	StateInProgress ActivityState = "in_progress"
	StatePaused     ActivityState = "paused"
	StateBlocked    ActivityState = "blocked"
	StateCompleted  ActivityState = "completed"
	StateCanceled   ActivityState = "canceled"
	StateAborted    ActivityState = "aborted"
)

type LockLevel string

const (
	LockNone     LockLevel = "none"
	LockSoft     LockLevel = "soft"
	LockHard     LockLevel = "hard"
	LockBaseline LockLevel = "baseline"
)

// Rank orders lock levels; unknown or empty levels rank with none.
func (l LockLevel) Rank() int {
	switch l {
	case LockBaseline:
		return 4
	case LockHard:
		return 3
	case LockSoft:
		return 2
	default:
		return 1
	}
}

type DurationMode string

const (
	DurationElapsed   DurationMode = "elapsed"
	DurationWorkHours DurationMode = "work_hours"
)

type DependencyType string

const (
	DepFinishStart  DependencyType = "fs"
	DepStartStart   DependencyType = "ss"
	DepFinishFinish DependencyType = "ff"
	DepStartFinish  DependencyType = "sf"
)

type ConstraintKind string

const (
	ConstraintNotBefore    ConstraintKind = "not_before"
	ConstraintNotAfter     ConstraintKind = "not_after"
	ConstraintWithinWindow ConstraintKind = "within_window"
)

type PinStrength string

const (
	PinSoft PinStrength = "soft"
	PinHard PinStrength = "hard"
)

type PinType string

const (
	PinStart  PinType = "start"
	PinFinish PinType = "finish"
)

type EvidenceStage string

const (
	StageBeforeReady EvidenceStage = "before_ready"
	StageBeforeStart EvidenceStage = "before_start"
	StageAfterEnd    EvidenceStage = "after_end"
)

// Field paths written by reflow apply.
const (
	PathPlanStart = "plan.start"
	PathPlanEnd   = "plan.end"
)

type Dependency struct {
	PredActivityID string         `json:"pred_activity_id"`
	Type           DependencyType `json:"type" enum:"fs,ss,ff,sf"`
	LagMin         int            `json:"lag_min"`
}

type ResourceRequirement struct {
	ResourceKind string `json:"resource_kind,omitempty"`
	PoolID       string `json:"pool_id,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Qty          int    `json:"qty,omitempty"`
}

type ConstraintParams struct {
	TargetTS *time.Time `json:"target_ts,omitempty" format:"date-time"`
	StartTS  *time.Time `json:"start_ts,omitempty" format:"date-time"`
	EndTS    *time.Time `json:"end_ts,omitempty" format:"date-time"`
}

type Constraint struct {
	Kind     ConstraintKind   `json:"kind" enum:"not_before,not_after,within_window"`
	Hardness string           `json:"hardness,omitempty"`
	RuleRef  string           `json:"rule_ref,omitempty"`
	Params   ConstraintParams `json:"params"`
}

type ReflowPin struct {
	Strength   PinStrength `json:"strength" enum:"soft,hard"`
	PinType    PinType     `json:"pin_type" enum:"start,finish"`
	TargetTS   *time.Time  `json:"target_ts,omitempty" format:"date-time"`
	ReasonCode string      `json:"reason_code,omitempty"`
}

type EvidenceRequired struct {
	EvidenceType string        `json:"evidence_type"`
	Stage        EvidenceStage `json:"stage" enum:"before_ready,before_start,after_end"`
	MinCount     int           `json:"min_count"`
	Required     bool          `json:"required"`
}

type Plan struct {
	StartTS      *time.Time            `json:"start_ts,omitempty" format:"date-time"`
	EndTS        *time.Time            `json:"end_ts,omitempty" format:"date-time"`
	DurationMin  int                   `json:"duration_min"`
	DurationMode DurationMode          `json:"duration_mode,omitempty" enum:"elapsed,work_hours"`
	Dependencies []Dependency          `json:"dependencies,omitempty"`
	Resources    []ResourceRequirement `json:"resources,omitempty"`
	Constraints  []Constraint          `json:"constraints,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

type Actual struct {
	StartTS     *time.Time `json:"start_ts,omitempty" format:"date-time"`
	EndTS       *time.Time `json:"end_ts,omitempty" format:"date-time"`
	ProgressPct float64    `json:"progress_pct,omitempty"`
}

// Calc holds derived values. They are recomputed on every reflow and never authored.
type Calc struct {
	ES                   *time.Time `json:"es_ts,omitempty" format:"date-time"`
	EF                   *time.Time `json:"ef_ts,omitempty" format:"date-time"`
	LS                   *time.Time `json:"ls_ts,omitempty" format:"date-time"`
	LF                   *time.Time `json:"lf_ts,omitempty" format:"date-time"`
	SlackMin             *int       `json:"slack_min,omitempty"`
	CriticalPath         bool       `json:"critical_path"`
	CollisionIDs         []string   `json:"collision_ids,omitempty"`
	CollisionSeverityMax Severity   `json:"collision_severity_max,omitempty"`
}

type Activity struct {
	ID               string             `json:"activity_id"`
	TripID           string             `json:"trip_id,omitempty"`
	Title            string             `json:"title,omitempty"`
	State            ActivityState      `json:"state" enum:"draft,planned,ready,in_progress,paused,blocked,completed,canceled,aborted"`
	LockLevel        LockLevel          `json:"lock_level" enum:"none,soft,hard,baseline"`
	BlockerCode      *string            `json:"blocker_code,omitempty"`
	EvidenceRequired []EvidenceRequired `json:"evidence_required,omitempty"`
	EvidenceIDs      []string           `json:"evidence_ids,omitempty"`
	ReflowPins       []ReflowPin        `json:"reflow_pins,omitempty"`
	Plan             Plan               `json:"plan"`
	Actual           Actual             `json:"actual"`
	Calc             Calc               `json:"calc"`
}

// Clone returns a deep copy so callers can hand out activities without sharing slices or instants.
func (a Activity) Clone() Activity {
	c := a
	c.BlockerCode = cloneString(a.BlockerCode)
	c.EvidenceRequired = append([]EvidenceRequired(nil), a.EvidenceRequired...)
	c.EvidenceIDs = append([]string(nil), a.EvidenceIDs...)
	c.ReflowPins = make([]ReflowPin, len(a.ReflowPins))
	for i, p := range a.ReflowPins {
		p.TargetTS = CloneTime(p.TargetTS)
		c.ReflowPins[i] = p
	}
	if a.ReflowPins == nil {
		c.ReflowPins = nil
	}
	c.Plan.StartTS = CloneTime(a.Plan.StartTS)
	c.Plan.EndTS = CloneTime(a.Plan.EndTS)
	c.Plan.Dependencies = append([]Dependency(nil), a.Plan.Dependencies...)
	c.Plan.Resources = append([]ResourceRequirement(nil), a.Plan.Resources...)
	if a.Plan.Constraints != nil {
		c.Plan.Constraints = make([]Constraint, len(a.Plan.Constraints))
		for i, k := range a.Plan.Constraints {
			k.Params.TargetTS = CloneTime(k.Params.TargetTS)
			k.Params.StartTS = CloneTime(k.Params.StartTS)
			k.Params.EndTS = CloneTime(k.Params.EndTS)
			c.Plan.Constraints[i] = k
		}
	}
	c.Actual.StartTS = CloneTime(a.Actual.StartTS)
	c.Actual.EndTS = CloneTime(a.Actual.EndTS)
	c.Calc.ES = CloneTime(a.Calc.ES)
	c.Calc.EF = CloneTime(a.Calc.EF)
	c.Calc.LS = CloneTime(a.Calc.LS)
	c.Calc.LF = CloneTime(a.Calc.LF)
	if a.Calc.SlackMin != nil {
		v := *a.Calc.SlackMin
		c.Calc.SlackMin = &v
	}
	c.Calc.CollisionIDs = append([]string(nil), a.Calc.CollisionIDs...)
	return c
}

// CloneActivities deep-copies a slice of activities.
func CloneActivities(in []Activity) []Activity {
	if in == nil {
		return nil
	}
	out := make([]Activity, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func CloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// TimePtr returns a pointer to the UTC value of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

type WorkShift struct {
	Days      []string `json:"days"`
	StartHHMM string   `json:"start_hhmm"`
	EndHHMM   string   `json:"end_hhmm"`
}

type Blackout struct {
	StartTS time.Time `json:"start_ts" format:"date-time"`
	EndTS   time.Time `json:"end_ts" format:"date-time"`
	Reason  string    `json:"reason,omitempty"`
}

type ResourceCalendar struct {
	Timezone   string      `json:"timezone,omitempty"`
	WorkShifts []WorkShift `json:"work_shifts,omitempty"`
	Blackouts  []Blackout  `json:"blackouts,omitempty"`
}

type Resource struct {
	ID       string            `json:"resource_id"`
	Kind     string            `json:"kind,omitempty"`
	Name     string            `json:"name,omitempty"`
	Calendar *ResourceCalendar `json:"calendar,omitempty"`
}

type EvidenceItem struct {
	ID           string    `json:"evidence_id"`
	EvidenceType string    `json:"evidence_type"`
	Title        string    `json:"title,omitempty"`
	URI          string    `json:"uri,omitempty"`
	CapturedAt   time.Time `json:"captured_at" format:"date-time"`
	CapturedBy   string    `json:"captured_by,omitempty"`
}

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for max aggregation.
func (s Severity) Rank() int {
	switch s {
	case SeverityBlocking:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

type CollisionKind string

const (
	CollisionResourceOverallocated CollisionKind = "resource_overallocated"
	CollisionNegativeSlack         CollisionKind = "negative_slack"
	CollisionConstraintViolation   CollisionKind = "constraint_violation"
	CollisionBaselineViolation     CollisionKind = "baseline_violation"
	CollisionDependencyCycle       CollisionKind = "dependency_cycle"
	CollisionDataError             CollisionKind = "data_error"
)

type ResourceOverlap struct {
	ResourceID string    `json:"resource_id"`
	FromTS     time.Time `json:"from_ts" format:"date-time"`
	ToTS       time.Time `json:"to_ts" format:"date-time"`
}

type SlackDetails struct {
	SlackMin int       `json:"slack_min"`
	ES       time.Time `json:"es" format:"date-time"`
	EF       time.Time `json:"ef" format:"date-time"`
	LS       time.Time `json:"ls" format:"date-time"`
	LF       time.Time `json:"lf" format:"date-time"`
}

type ConstraintDetails struct {
	ConstraintType ConstraintKind `json:"constraint_type"`
	TargetTS       time.Time      `json:"target_ts" format:"date-time"`
	ActualTS       time.Time      `json:"actual_ts" format:"date-time"`
}

type BaselineDetails struct {
	Path          string    `json:"path"`
	FrozenValue   time.Time `json:"frozen_value" format:"date-time"`
	ProposedValue time.Time `json:"proposed_value" format:"date-time"`
}

type CycleDetails struct {
	Path        []string `json:"path"`
	Description string   `json:"description"`
}

// CollisionDetails carries exactly one populated member matching the collision kind.
type CollisionDetails struct {
	Overlap    []ResourceOverlap  `json:"overlap,omitempty"`
	Slack      *SlackDetails      `json:"slack,omitempty"`
	Constraint *ConstraintDetails `json:"constraint,omitempty"`
	Baseline   *BaselineDetails   `json:"baseline,omitempty"`
	Cycles     []CycleDetails     `json:"cycles,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type ActionKind string

const (
	ActionShiftActivity      ActionKind = "shift_activity"
	ActionSwapResource       ActionKind = "swap_resource"
	ActionRemoveDependency   ActionKind = "remove_dependency"
	ActionRevertToBaseline   ActionKind = "revert_to_baseline"
	ActionAddStandbyActivity ActionKind = "add_standby_activity"
)

// ActionParams holds the parameters of a suggested action; each kind fills only its own.
type ActionParams struct {
	ActivityID       string `json:"activity_id,omitempty"`
	ShiftMin         int    `json:"shift_min,omitempty"`
	SnapTo           string `json:"snap_to,omitempty"`
	AssignResourceID string `json:"assign_resource_id,omitempty"`
	PredActivityID   string `json:"pred_activity_id,omitempty"`
	SuccActivityID   string `json:"succ_activity_id,omitempty"`
	Path             string `json:"path,omitempty"`
	TripID           string `json:"trip_id,omitempty"`
	AfterActivityID  string `json:"after_activity_id,omitempty"`
	DurationMin      int    `json:"duration_min,omitempty"`
}

type SuggestedAction struct {
	ID     string       `json:"action_id"`
	Kind   ActionKind   `json:"kind"`
	Label  string       `json:"label"`
	Params ActionParams `json:"params"`
}

type Collision struct {
	ID               string            `json:"collision_id"`
	Kind             CollisionKind     `json:"kind"`
	Severity         Severity          `json:"severity" enum:"blocking,warning,info"`
	Status           string            `json:"status"`
	TripID           string            `json:"trip_id,omitempty"`
	ActivityIDs      []string          `json:"activity_ids"`
	ResourceIDs      []string          `json:"resource_ids"`
	Message          string            `json:"message"`
	Details          CollisionDetails  `json:"details"`
	SuggestedActions []SuggestedAction `json:"suggested_actions"`
}

type RunMode string

const (
	RunPreview RunMode = "preview"
	RunApply   RunMode = "apply"
)

type ReflowSeed struct {
	Reason      string     `json:"reason"`
	CursorTS    *time.Time `json:"cursor_ts,omitempty" format:"date-time"`
	FocusTripID string     `json:"focus_trip_id,omitempty"`
}

type ReflowChange struct {
	ActivityID string     `json:"activity_id"`
	Path       string     `json:"path"`
	From       *time.Time `json:"from" format:"date-time"`
	To         *time.Time `json:"to" format:"date-time"`
	ReasonCode string     `json:"reason_code"`
}

type CollisionSummary struct {
	Blocking int `json:"blocking"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

type Approval struct {
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at" format:"date-time"`
	Comment    string    `json:"comment,omitempty"`
}

type ReflowRun struct {
	ID               string           `json:"run_id"`
	Mode             RunMode          `json:"mode" enum:"preview,apply"`
	RequestedAt      time.Time        `json:"requested_at" format:"date-time"`
	RequestedBy      string           `json:"requested_by"`
	BaselineID       string           `json:"baseline_id,omitempty"`
	Seed             ReflowSeed       `json:"seed"`
	ProposedChanges  []ReflowChange   `json:"proposed_changes"`
	AppliedChanges   []ReflowChange   `json:"applied_changes"`
	CollisionSummary CollisionSummary `json:"collision_summary"`
	Collisions       []Collision      `json:"collisions"`
	Approval         *Approval        `json:"approval,omitempty"`
}

type FreezePolicy struct {
	LockLevelOnApply   LockLevel `json:"lock_level_on_apply,omitempty"`
	FrozenFields       []string  `json:"frozen_fields"`
	AllowActualUpdates bool      `json:"allow_actual_updates,omitempty"`
	AllowEvidenceAdd   bool      `json:"allow_evidence_add,omitempty"`
}

// PlanWindow keeps the captured instants as the strings that were hashed.
type PlanWindow struct {
	StartTS string `json:"start_ts"`
	EndTS   string `json:"end_ts"`
}

type SnapshotEntities struct {
	ActivitiesPlan map[string]PlanWindow `json:"activities_plan,omitempty"`
	TRSpec         map[string]any        `json:"trs_spec,omitempty"`
}

type SnapshotHash struct {
	Algo  string `json:"algo"`
	Value string `json:"value"`
}

type BaselineSnapshot struct {
	CapturedAt time.Time         `json:"captured_at" format:"date-time"`
	Entities   *SnapshotEntities `json:"entities,omitempty"`
	Hash       *SnapshotHash     `json:"hash,omitempty"`
}

type Baseline struct {
	ID           string           `json:"baseline_id"`
	Name         string           `json:"name"`
	Status       string           `json:"status,omitempty"`
	CreatedAt    time.Time        `json:"created_at" format:"date-time"`
	CreatedBy    string           `json:"created_by,omitempty"`
	FreezePolicy FreezePolicy     `json:"freeze_policy"`
	Snapshot     BaselineSnapshot `json:"snapshot"`
}

type DriftItem struct {
	ActivityID    string `json:"activity_id"`
	Field         string `json:"field" enum:"start,end"`
	BaselineValue string `json:"baseline_value"`
	CurrentValue  string `json:"current_value"`
}

type EntityRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

type HistoryDetails struct {
	FromState       ActivityState `json:"from_state"`
	ToState         ActivityState `json:"to_state"`
	Success         bool          `json:"success"`
	Reason          string        `json:"reason,omitempty"`
	BlockerCode     string        `json:"blocker_code,omitempty"`
	MissingEvidence []string      `json:"missing_evidence,omitempty"`
}

type HistoryEvent struct {
	ID        string         `json:"event_id"`
	TS        time.Time      `json:"ts" format:"date-time"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	EntityRef EntityRef      `json:"entity_ref"`
	Details   HistoryDetails `json:"details"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
