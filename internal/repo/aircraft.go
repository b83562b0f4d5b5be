package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"complyline/internal/domain"
)

const aircraftColumns = `id,registration,type,serial_number,status,flight_hours,cycles,last_maintenance,next_due,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAircraft(row rowScanner) (domain.Aircraft, error) {
	var a domain.Aircraft
	var last, next sql.NullString
	if err := row.Scan(&a.ID, &a.Registration, &a.Type, &a.SerialNumber, &a.Status, &a.FlightHours, &a.Cycles, &last, &next, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.LastMaintenance = stringPtr(last)
	a.NextDue = stringPtr(next)
	return a, nil
}

func (r Repo) InsertAircraft(ctx context.Context, tx *sql.Tx, a domain.Aircraft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO aircraft(`+aircraftColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Registration, a.Type, a.SerialNumber, a.Status, a.FlightHours, a.Cycles,
		nullablePtr(a.LastMaintenance), nullablePtr(a.NextDue), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.Validation("aircraft %s already registered", a.Registration)
	}
	return err
}

// UpdateAircraftTx writes the mutable maintenance fields of a.
func (r Repo) UpdateAircraftTx(ctx context.Context, tx *sql.Tx, a domain.Aircraft) error {
	res, err := tx.ExecContext(ctx, `UPDATE aircraft SET status=?, flight_hours=?, cycles=?, last_maintenance=?, next_due=?, updated_at=? WHERE id=?`,
		a.Status, a.FlightHours, a.Cycles, nullablePtr(a.LastMaintenance), nullablePtr(a.NextDue), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("aircraft", a.ID)
	}
	return nil
}

func (r Repo) GetAircraft(ctx context.Context, id string) (domain.Aircraft, error) {
	return getAircraft(ctx, r.DB, id)
}

func (r Repo) GetAircraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Aircraft, error) {
	return getAircraft(ctx, tx, id)
}

func getAircraft(ctx context.Context, q queryer, id string) (domain.Aircraft, error) {
	a, err := scanAircraft(q.QueryRowContext(ctx, `SELECT `+aircraftColumns+` FROM aircraft WHERE id=? OR registration=?`, id, id))
	if err == sql.ErrNoRows {
		return a, domain.NotFound("aircraft", id)
	}
	return a, err
}

// AircraftFilters narrows fleet listings.
type AircraftFilters struct {
	Type   string
	Status string
}

func (r Repo) ListAircraft(ctx context.Context, f AircraftFilters) ([]domain.Aircraft, error) {
	return listAircraft(ctx, r.DB, f)
}

func listAircraft(ctx context.Context, q queryer, f AircraftFilters) ([]domain.Aircraft, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=? COLLATE NOCASE")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM aircraft WHERE %s ORDER BY registration`, aircraftColumns, strings.Join(clauses, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Aircraft
	for rows.Next() {
		a, err := scanAircraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountOpenWorkOrdersForAircraftTx counts work orders on the aircraft that are not completed or cancelled.
func (r Repo) CountOpenWorkOrdersForAircraftTx(ctx context.Context, tx *sql.Tx, aircraftID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM work_orders WHERE aircraft_id=? AND status IN ('pending','in_progress')`, aircraftID).Scan(&n)
	return n, err
}

// DeleteAircraftTx removes an aircraft that no work order references.
func (r Repo) DeleteAircraftTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM aircraft WHERE id=?`, id)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return domain.Validation("aircraft %s is referenced by compliance records", id)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("aircraft", id)
	}
	return nil
}
