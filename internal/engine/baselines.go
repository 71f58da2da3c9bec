package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reflowline/internal/baseline"
	"reflowline/internal/domain"
	"reflowline/internal/events"
	"reflowline/internal/repo"
)

var ErrBaselineTampered = errors.New("baseline snapshot hash does not match its contents")

// CreateBaselineOptions capture the current plan under a freeze policy.
type CreateBaselineOptions struct {
	Name               string
	FrozenFields       []string
	LockLevelOnApply   domain.LockLevel
	AllowActualUpdates bool
	AllowEvidenceAdd   bool
	ActorID            string
	Activate           bool
}

// CreateBaseline snapshots every activity's plan window and stores the hashed
// result as a draft, or as the active baseline when Activate is set.
func (e Engine) CreateBaseline(ctx context.Context, opts CreateBaselineOptions) (domain.Baseline, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Baseline{}, errors.New("baseline name required")
	}
	for _, pattern := range opts.FrozenFields {
		if strings.TrimSpace(pattern) == "" {
			return domain.Baseline{}, errors.New("frozen field pattern must not be empty")
		}
	}
	switch opts.LockLevelOnApply {
	case "", domain.LockNone, domain.LockSoft, domain.LockHard, domain.LockBaseline:
	default:
		return domain.Baseline{}, fmt.Errorf("invalid lock level %q", opts.LockLevelOnApply)
	}
	policy := domain.FreezePolicy{
		LockLevelOnApply:   opts.LockLevelOnApply,
		FrozenFields:       opts.FrozenFields,
		AllowActualUpdates: opts.AllowActualUpdates,
		AllowEvidenceAdd:   opts.AllowEvidenceAdd,
	}
	var created domain.Baseline
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		acts, err := e.Repo.ListActivitiesTx(ctx, tx, repo.ActivityFilters{})
		if err != nil {
			return err
		}
		b, err := baseline.Capture(acts, name, policy, opts.ActorID, e.now())
		if err != nil {
			return err
		}
		b.ID = e.newID("BL_")
		if err := e.Repo.InsertBaseline(ctx, tx, b); err != nil {
			return err
		}
		_, err = e.events().Append(ctx, tx, events.TypeBaselineCreated, e.projectID(), "baseline", b.ID, opts.ActorID, events.Payload{
			"name":       b.Name,
			"activities": len(acts),
			"hash":       b.Snapshot.Hash.Value,
		})
		if err != nil {
			return err
		}
		if opts.Activate {
			if b, err = e.activate(ctx, tx, b.ID, opts.ActorID); err != nil {
				return err
			}
		}
		created = b
		return nil
	})
	if err != nil {
		return domain.Baseline{}, err
	}
	e.logger().Info("baseline created", "baseline_id", created.ID, "status", created.Status)
	return created, nil
}

// ActivateBaseline makes id the active baseline, superseding any other.
// Activities in the snapshot take the policy's lock_level_on_apply.
func (e Engine) ActivateBaseline(ctx context.Context, id, actorID string) (domain.Baseline, error) {
	var b domain.Baseline
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = e.activate(ctx, tx, id, actorID)
		return err
	})
	return b, err
}

func (e Engine) activate(ctx context.Context, tx *sql.Tx, id, actorID string) (domain.Baseline, error) {
	b, err := e.Repo.GetBaseline(ctx, tx, id)
	if err != nil {
		return domain.Baseline{}, err
	}
	if !isValidBaseline(b) {
		return domain.Baseline{}, fmt.Errorf("baseline %s: %w", id, ErrBaselineTampered)
	}
	if err := e.Repo.ActivateBaseline(ctx, tx, id); err != nil {
		return domain.Baseline{}, err
	}
	locked := 0
	if lvl := b.FreezePolicy.LockLevelOnApply; lvl != "" && b.Snapshot.Entities != nil {
		now := e.now()
		for actID := range b.Snapshot.Entities.ActivitiesPlan {
			a, err := e.Repo.GetActivityTx(ctx, tx, actID)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Baseline{}, err
			}
			if a.LockLevel == lvl {
				continue
			}
			a.LockLevel = lvl
			if err := e.Repo.UpsertActivity(ctx, tx, a, now); err != nil {
				return domain.Baseline{}, err
			}
			locked++
		}
	}
	_, err = e.events().Append(ctx, tx, events.TypeBaselineActivated, e.projectID(), "baseline", id, actorID, events.Payload{
		"locked_activities": locked,
		"lock_level":        string(b.FreezePolicy.LockLevelOnApply),
	})
	if err != nil {
		return domain.Baseline{}, err
	}
	b.Status = baseline.StatusActive
	return b, nil
}

// CurrentBaseline returns the active baseline or repo.ErrNotFound.
func (e Engine) CurrentBaseline(ctx context.Context) (domain.Baseline, error) {
	return e.Repo.ActiveBaseline(ctx, nil)
}

func (e Engine) ListBaselines(ctx context.Context) ([]domain.Baseline, error) {
	return e.Repo.ListBaselines(ctx)
}

// VerifyResult reports whether a stored snapshot still matches its hash.
type VerifyResult struct {
	BaselineID string `json:"baseline_id"`
	Algo       string `json:"algo,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual"`
	Valid      bool   `json:"valid"`
}

func (e Engine) VerifyBaseline(ctx context.Context, id string) (VerifyResult, error) {
	b, err := e.baselineOrActive(ctx, id)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{BaselineID: b.ID, Valid: isValidBaseline(b)}
	if b.Snapshot.Hash != nil {
		res.Algo = b.Snapshot.Hash.Algo
		res.Expected = b.Snapshot.Hash.Value
	}
	h, err := baseline.ComputeSnapshotHash(b.Snapshot)
	if err != nil {
		return VerifyResult{}, err
	}
	res.Actual = h.Value
	return res, nil
}

// Drift compares the current plan with a baseline at day resolution. An empty
// id selects the active baseline.
func (e Engine) Drift(ctx context.Context, id string) (baseline.DriftResult, error) {
	b, err := e.baselineOrActive(ctx, id)
	if err != nil {
		return baseline.DriftResult{}, err
	}
	acts, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{})
	if err != nil {
		return baseline.DriftResult{}, err
	}
	return baseline.CompareWithBaseline(acts, b), nil
}

func (e Engine) baselineOrActive(ctx context.Context, id string) (domain.Baseline, error) {
	if strings.TrimSpace(id) == "" {
		return e.Repo.ActiveBaseline(ctx, nil)
	}
	return e.Repo.GetBaseline(ctx, nil, id)
}
