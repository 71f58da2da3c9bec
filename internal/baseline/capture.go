package baseline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reflowline/internal/domain"
)

var ErrNotFound = errors.New("baseline not found")

const (
	StatusDraft  = "draft"
	StatusActive = "active"
)

// Capture freezes the current plan windows of activities into a hashed snapshot.
func Capture(activities []domain.Activity, name string, policy domain.FreezePolicy, actor string, now time.Time) (domain.Baseline, error) {
	now = now.UTC()
	plans := make(map[string]domain.PlanWindow, len(activities))
	for _, a := range activities {
		plans[a.ID] = domain.PlanWindow{
			StartTS: timeString(a.Plan.StartTS),
			EndTS:   timeString(a.Plan.EndTS),
		}
	}
	if policy.FrozenFields == nil {
		policy.FrozenFields = []string{}
	}
	b := domain.Baseline{
		ID:           "BL_" + uuid.NewString(),
		Name:         name,
		Status:       StatusDraft,
		CreatedAt:    now,
		CreatedBy:    actor,
		FreezePolicy: policy,
		Snapshot: domain.BaselineSnapshot{
			CapturedAt: now,
			Entities:   &domain.SnapshotEntities{ActivitiesPlan: plans},
		},
	}
	h, err := ComputeSnapshotHash(b.Snapshot)
	if err != nil {
		return domain.Baseline{}, fmt.Errorf("hash snapshot: %w", err)
	}
	b.Snapshot.Hash = &h
	return b, nil
}

// Load picks a baseline by id and fills the defaults older records may lack.
func Load(baselines []domain.Baseline, id string) (domain.Baseline, error) {
	for _, b := range baselines {
		if b.ID != id {
			continue
		}
		if b.Snapshot.CapturedAt.IsZero() {
			b.Snapshot.CapturedAt = b.CreatedAt
		}
		if b.FreezePolicy.FrozenFields == nil {
			b.FreezePolicy.FrozenFields = []string{}
		}
		return b, nil
	}
	return domain.Baseline{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func dayString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
