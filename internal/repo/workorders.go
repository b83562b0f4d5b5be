package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"complyline/internal/domain"
)

const workOrderColumns = `w.id,w.update_id,w.aircraft_id,a.registration,u.ad_number,w.description,w.estimated_downtime,w.status,w.priority,w.priority_override,
w.assigned_team,w.scheduled_date,w.due_date,w.parts_json,w.cycle,w.remediation,w.cancel_reason,w.created_at,w.updated_at,w.completed_at`

const workOrderFrom = ` FROM work_orders w JOIN aircraft a ON a.id=w.aircraft_id JOIN regulatory_updates u ON u.id=w.update_id`

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var w domain.WorkOrder
	var downtime, override, team, scheduled, cancel, completed sql.NullString
	var parts string
	var remediation int
	err := row.Scan(&w.ID, &w.UpdateID, &w.AircraftID, &w.Registration, &w.ADNumber, &w.Description, &downtime, &w.Status, &w.Priority, &override,
		&team, &scheduled, &w.DueDate, &parts, &w.Cycle, &remediation, &cancel, &w.CreatedAt, &w.UpdatedAt, &completed)
	if err != nil {
		return w, err
	}
	w.EstimatedDowntime = downtime.String
	w.PriorityOverride = stringPtr(override)
	w.AssignedTeam = stringPtr(team)
	w.ScheduledDate = stringPtr(scheduled)
	w.CancelReason = stringPtr(cancel)
	w.CompletedAt = stringPtr(completed)
	w.Parts = unmarshalStrings(parts)
	w.Remediation = remediation != 0
	return w, nil
}

// InsertWorkOrder stores w after checking both foreign keys.
func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	if _, err := getUpdate(ctx, tx, w.UpdateID); err != nil {
		return err
	}
	if _, err := getAircraft(ctx, tx, w.AircraftID); err != nil {
		return err
	}
	parts, err := marshalStrings(w.Parts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_orders(id,update_id,aircraft_id,description,estimated_downtime,status,priority,priority_override,assigned_team,scheduled_date,due_date,parts_json,cycle,remediation,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.UpdateID, w.AircraftID, w.Description, nullable(w.EstimatedDowntime), w.Status, w.Priority, nullablePtr(w.PriorityOverride),
		nullablePtr(w.AssignedTeam), nullablePtr(w.ScheduledDate), w.DueDate, parts, w.Cycle, boolInt(w.Remediation), w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.Validation("work order for aircraft %s already exists on update %s", w.AircraftID, w.UpdateID)
	}
	return err
}

// SaveWorkOrderTx writes every mutable field of w.
func (r Repo) SaveWorkOrderTx(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	parts, err := marshalStrings(w.Parts)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET description=?, estimated_downtime=?, status=?, priority=?, priority_override=?, assigned_team=?, scheduled_date=?, due_date=?,
parts_json=?, cycle=?, remediation=?, cancel_reason=?, updated_at=?, completed_at=? WHERE id=?`,
		w.Description, nullable(w.EstimatedDowntime), w.Status, w.Priority, nullablePtr(w.PriorityOverride), nullablePtr(w.AssignedTeam),
		nullablePtr(w.ScheduledDate), w.DueDate, parts, w.Cycle, boolInt(w.Remediation), nullablePtr(w.CancelReason), w.UpdatedAt, nullablePtr(w.CompletedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("work order", w.ID)
	}
	return nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return getWorkOrder(ctx, r.DB, id)
}

func (r Repo) GetWorkOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return getWorkOrder(ctx, tx, id)
}

func getWorkOrder(ctx context.Context, q queryer, id string) (domain.WorkOrder, error) {
	w, err := scanWorkOrder(q.QueryRowContext(ctx, `SELECT `+workOrderColumns+workOrderFrom+` WHERE w.id=?`, id))
	if err == sql.ErrNoRows {
		return w, domain.NotFound("work order", id)
	}
	return w, err
}

// WorkOrderFilters narrows work order listings.
type WorkOrderFilters struct {
	UpdateID   string
	AircraftID string
	Status     string
	Team       string
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	return listWorkOrders(ctx, r.DB, f)
}

func (r Repo) ListWorkOrdersTx(ctx context.Context, tx *sql.Tx, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	return listWorkOrders(ctx, tx, f)
}

func listWorkOrders(ctx context.Context, q queryer, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UpdateID != "" {
		clauses = append(clauses, "w.update_id=?")
		args = append(args, f.UpdateID)
	}
	if f.AircraftID != "" {
		clauses = append(clauses, "(w.aircraft_id=? OR a.registration=?)")
		args = append(args, f.AircraftID, f.AircraftID)
	}
	if f.Status != "" {
		clauses = append(clauses, "w.status=?")
		args = append(args, f.Status)
	}
	if f.Team != "" {
		clauses = append(clauses, "w.assigned_team=?")
		args = append(args, f.Team)
	}
	query := fmt.Sprintf(`SELECT %s%s WHERE %s ORDER BY w.due_date ASC, a.registration ASC`, workOrderColumns, workOrderFrom, strings.Join(clauses, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// CountWorkOrdersByStatus returns the number of work orders in each status.
func (r Repo) CountWorkOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
