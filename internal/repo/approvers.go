package repo

import (
	"context"
	"database/sql"

	"complyline/internal/domain"
)

func (r Repo) GrantApproverRole(ctx context.Context, tx *sql.Tx, g domain.ApproverGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO approver_grants(actor_id, role, granted_by, granted_at) VALUES (?,?,?,?)`,
		g.ActorID, g.Role, g.GrantedBy, g.GrantedAt)
	return err
}

func (r Repo) RevokeApproverRole(ctx context.Context, tx *sql.Tx, actorID, role string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM approver_grants WHERE actor_id=? AND role=?`, actorID, role)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListApproverGrants returns grants, optionally for one actor.
func (r Repo) ListApproverGrants(ctx context.Context, actorID string) ([]domain.ApproverGrant, error) {
	query := `SELECT actor_id, role, granted_by, granted_at FROM approver_grants`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY actor_id, role`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApproverGrant
	for rows.Next() {
		var g domain.ApproverGrant
		if err := rows.Scan(&g.ActorID, &g.Role, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
