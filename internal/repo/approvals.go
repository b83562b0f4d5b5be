package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"complyline/internal/domain"
)

const approvalColumns = `id,work_order_id,update_id,role,cycle,status,approver,comment,decided_at,created_at`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var approver, comment, decided sql.NullString
	if err := row.Scan(&a.ID, &a.WorkOrderID, &a.UpdateID, &a.Role, &a.Cycle, &a.Status, &approver, &comment, &decided, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Approver = stringPtr(approver)
	a.Comment = stringPtr(comment)
	a.DecidedAt = stringPtr(decided)
	return a, nil
}

// InsertApproval stores a pending approval. A second approval for the same
// (work order, role, cycle) is rejected with AlreadyResolved.
func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	wo, err := getWorkOrder(ctx, tx, a.WorkOrderID)
	if err != nil {
		return err
	}
	if wo.UpdateID != a.UpdateID {
		return domain.Validation("approval %s references work order %s of another update", a.ID, a.WorkOrderID)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkOrderID, a.UpdateID, a.Role, a.Cycle, a.Status, nullablePtr(a.Approver), nullablePtr(a.Comment), nullablePtr(a.DecidedAt), a.CreatedAt)
	if isUniqueViolation(err) {
		return &domain.Error{
			Kind:    domain.KindAlreadyResolved,
			Entity:  "approval",
			ID:      a.ID,
			Message: fmt.Sprintf("approval for role %s already exists on work order %s", a.Role, a.WorkOrderID),
		}
	}
	return err
}

// ResolveApprovalTx records a decision on a pending approval. It reports
// false when the approval was no longer pending.
func (r Repo) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id, status, approver string, comment *string, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, approver=?, comment=?, decided_at=? WHERE id=? AND status='pending'`,
		status, approver, nullablePtr(comment), decidedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MootPendingApprovalsTx voids every pending approval of a work order and
// returns the ids it changed.
func (r Repo) MootPendingApprovalsTx(ctx context.Context, tx *sql.Tx, workOrderID, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM approvals WHERE work_order_id=? AND status='pending'`, workOrderID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{now}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE approvals SET status='moot', decided_at=? WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return getApproval(ctx, r.DB, id)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	return getApproval(ctx, tx, id)
}

func getApproval(ctx context.Context, q queryer, id string) (domain.Approval, error) {
	a, err := scanApproval(q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, domain.NotFound("approval", id)
	}
	return a, err
}

// ApprovalFilters narrows approval listings. CurrentOnly keeps the approvals
// at each work order's current remediation cycle.
type ApprovalFilters struct {
	UpdateID    string
	WorkOrderID string
	Status      string
	Role        string
	CurrentOnly bool
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	return listApprovals(ctx, r.DB, f)
}

func (r Repo) ListApprovalsTx(ctx context.Context, tx *sql.Tx, f ApprovalFilters) ([]domain.Approval, error) {
	return listApprovals(ctx, tx, f)
}

func listApprovals(ctx context.Context, q queryer, f ApprovalFilters) ([]domain.Approval, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UpdateID != "" {
		clauses = append(clauses, "ap.update_id=?")
		args = append(args, f.UpdateID)
	}
	if f.WorkOrderID != "" {
		clauses = append(clauses, "ap.work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "ap.status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "ap.role=?")
		args = append(args, f.Role)
	}
	if f.CurrentOnly {
		clauses = append(clauses, "ap.cycle=(SELECT max(x.cycle) FROM approvals x WHERE x.work_order_id=ap.work_order_id AND x.role=ap.role)")
	}
	query := fmt.Sprintf(`SELECT ap.id,ap.work_order_id,ap.update_id,ap.role,ap.cycle,ap.status,ap.approver,ap.comment,ap.decided_at,ap.created_at
FROM approvals ap WHERE %s ORDER BY ap.work_order_id, ap.role, ap.cycle`, strings.Join(clauses, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountPendingApprovals counts approvals awaiting a decision.
func (r Repo) CountPendingApprovals(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM approvals WHERE status='pending'`).Scan(&n)
	return n, err
}
