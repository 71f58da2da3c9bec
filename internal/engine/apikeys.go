package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"reflowline/internal/domain"
	"reflowline/internal/events"
	"reflowline/internal/repo"
)

const apiKeyPrefix = "rlk_"

// CreateAPIKey issues a key for actorID. The raw key is returned once; only
// its digest is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := apiKeyPrefix + hex.EncodeToString(buf)
	now := e.now().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        e.newID("KEY_"),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		_, err := e.events().Append(ctx, tx, events.TypeAPIKeyCreated, e.projectID(), "api_key", key.ID, createdBy, events.Payload{
			"actor_id": actorID,
			"name":     key.Name,
		})
		return err
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
			return err
		}
		_, err := e.events().Append(ctx, tx, events.TypeAPIKeyDeleted, e.projectID(), "api_key", id, actorID, nil)
		return err
	})
}

// ResolveAPIKey maps a raw key to its owning actor.
func (e Engine) ResolveAPIKey(ctx context.Context, raw string) (domain.APIKey, error) {
	return e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
}
