package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// ForbiddenRoleError indicates the actor may not sign for a governance role.
type ForbiddenRoleError struct {
	ActorID string
	Role    string
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("%s holds no approver authority for role %s", e.ActorID, e.Role)
}

// Service answers approver-authority questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// ActorCanApprove reports whether actorID holds a grant for role, read inside tx.
func (s Service) ActorCanApprove(ctx context.Context, tx *sql.Tx, actorID, role string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM approver_grants WHERE actor_id=? AND role=? LIMIT 1`, actorID, role).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM approver_grants WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
