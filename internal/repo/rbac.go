package repo

import (
	"context"
	"database/sql"
	"sort"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

// ActorRoles returns the stored role ids for an actor, sorted.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// SyncActorRoles makes the stored assignments match the config's rbac.actors
// block. Actors not named in the block keep their assignments.
func (r Repo) SyncActorRoles(ctx context.Context, tx *sql.Tx, actors map[string][]string, now string) error {
	ids := make([]string, 0, len(actors))
	for id := range actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, actorID := range ids {
		if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=?`, actorID); err != nil {
			return err
		}
		for _, role := range actors[actorID] {
			if err := r.AssignRole(ctx, tx, actorID, role); err != nil {
				return err
			}
		}
	}
	return nil
}
