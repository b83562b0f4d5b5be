package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"complyline/internal/domain"
)

const updateColumns = `u.id,u.ad_number,u.source,u.title,u.aircraft_type,u.mandatory_action,u.compliance_deadline,u.priority,u.published_date,u.status,u.revision,u.cancel_reason,u.created_at,u.updated_at,u.audited_at,
(SELECT count(*) FROM update_aircraft ua WHERE ua.update_id=u.id) AS affected`

func scanUpdate(row rowScanner) (domain.RegulatoryUpdate, error) {
	var u domain.RegulatoryUpdate
	var published, cancel, audited sql.NullString
	err := row.Scan(&u.ID, &u.ADNumber, &u.Source, &u.Title, &u.AircraftType, &u.MandatoryAction, &u.ComplianceDeadline,
		&u.Priority, &published, &u.Status, &u.Revision, &cancel, &u.CreatedAt, &u.UpdatedAt, &audited, &u.AffectedAircraft)
	if err != nil {
		return u, err
	}
	u.PublishedDate = stringPtr(published)
	u.CancelReason = stringPtr(cancel)
	u.AuditedAt = stringPtr(audited)
	return u, nil
}

func (r Repo) InsertUpdate(ctx context.Context, tx *sql.Tx, u domain.RegulatoryUpdate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO regulatory_updates(id,ad_number,source,title,aircraft_type,mandatory_action,compliance_deadline,priority,published_date,status,revision,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.ADNumber, u.Source, u.Title, u.AircraftType, u.MandatoryAction, u.ComplianceDeadline, u.Priority,
		nullablePtr(u.PublishedDate), u.Status, u.Revision, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.Validation("regulatory update %s already exists", u.ADNumber)
	}
	return err
}

// ReviseUpdateTx overwrites the descriptive fields of an update and bumps its revision.
func (r Repo) ReviseUpdateTx(ctx context.Context, tx *sql.Tx, u domain.RegulatoryUpdate) error {
	res, err := tx.ExecContext(ctx, `UPDATE regulatory_updates SET source=?, title=?, aircraft_type=?, mandatory_action=?, compliance_deadline=?, priority=?, published_date=?, revision=?, updated_at=? WHERE id=?`,
		u.Source, u.Title, u.AircraftType, u.MandatoryAction, u.ComplianceDeadline, u.Priority, nullablePtr(u.PublishedDate), u.Revision, u.UpdatedAt, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("regulatory update", u.ID)
	}
	return nil
}

// SetUpdateStatusTx moves an update from one status to another. It fails with
// InvalidTransition if the stored status is no longer from.
func (r Repo) SetUpdateStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, now string, reason *string) error {
	query := `UPDATE regulatory_updates SET status=?, updated_at=?`
	args := []any{to, now}
	if to == domain.UpdateCancelled {
		query += `, cancel_reason=?`
		args = append(args, nullablePtr(reason))
	}
	if to == domain.UpdateAudited {
		query += `, audited_at=?`
		args = append(args, now)
	}
	query += ` WHERE id=? AND status=?`
	args = append(args, id, from)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.InvalidTransition("regulatory update", id, from, to)
	}
	return nil
}

func (r Repo) GetUpdate(ctx context.Context, id string) (domain.RegulatoryUpdate, error) {
	return getUpdate(ctx, r.DB, id)
}

func (r Repo) GetUpdateTx(ctx context.Context, tx *sql.Tx, id string) (domain.RegulatoryUpdate, error) {
	return getUpdate(ctx, tx, id)
}

func getUpdate(ctx context.Context, q queryer, id string) (domain.RegulatoryUpdate, error) {
	u, err := scanUpdate(q.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM regulatory_updates u WHERE u.id=?`, id))
	if err == sql.ErrNoRows {
		return u, domain.NotFound("regulatory update", id)
	}
	return u, err
}

// GetUpdateByAD looks an update up by its AD number.
func (r Repo) GetUpdateByAD(ctx context.Context, adNumber string) (domain.RegulatoryUpdate, error) {
	return getUpdateByAD(ctx, r.DB, adNumber)
}

func (r Repo) GetUpdateByADTx(ctx context.Context, tx *sql.Tx, adNumber string) (domain.RegulatoryUpdate, error) {
	return getUpdateByAD(ctx, tx, adNumber)
}

func getUpdateByAD(ctx context.Context, q queryer, adNumber string) (domain.RegulatoryUpdate, error) {
	u, err := scanUpdate(q.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM regulatory_updates u WHERE u.ad_number=?`, adNumber))
	if err == sql.ErrNoRows {
		return u, domain.NotFound("regulatory update", adNumber)
	}
	return u, err
}

// UpdateFilters narrows feed listings.
type UpdateFilters struct {
	Source       string
	Status       string
	AircraftType string
	Limit        int
}

func (r Repo) ListUpdates(ctx context.Context, f UpdateFilters) ([]domain.RegulatoryUpdate, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Source != "" {
		clauses = append(clauses, "u.source=? COLLATE NOCASE")
		args = append(args, f.Source)
	}
	if f.Status != "" {
		clauses = append(clauses, "u.status=?")
		args = append(args, f.Status)
	}
	if f.AircraftType != "" {
		clauses = append(clauses, "u.aircraft_type=? COLLATE NOCASE")
		args = append(args, f.AircraftType)
	}
	query := fmt.Sprintf(`SELECT %s FROM regulatory_updates u WHERE %s ORDER BY u.compliance_deadline ASC, u.ad_number ASC`, updateColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RegulatoryUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// PutRequirementTx stores the structured requirement delivered by ingestion.
func (r Repo) PutRequirementTx(ctx context.Context, tx *sql.Tx, updateID string, req domain.Requirement, now string) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE regulatory_updates SET requirement_json=?, updated_at=? WHERE id=?`, string(data), now, updateID)
	return err
}

// GetRequirementTx returns the stored requirement, or nil if ingestion has not delivered one.
func (r Repo) GetRequirementTx(ctx context.Context, tx *sql.Tx, updateID string) (*domain.Requirement, error) {
	return getRequirement(ctx, tx, updateID)
}

func (r Repo) GetRequirement(ctx context.Context, updateID string) (*domain.Requirement, error) {
	return getRequirement(ctx, r.DB, updateID)
}

func getRequirement(ctx context.Context, q queryer, updateID string) (*domain.Requirement, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, `SELECT requirement_json FROM regulatory_updates WHERE id=?`, updateID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("regulatory update", updateID)
	}
	if err != nil || !raw.Valid {
		return nil, err
	}
	var req domain.Requirement
	if err := json.Unmarshal([]byte(raw.String), &req); err != nil {
		return nil, fmt.Errorf("decode requirement: %w", err)
	}
	return &req, nil
}

// SetAffectedAircraftTx records the affected set for an update. Every
// aircraft must exist.
func (r Repo) SetAffectedAircraftTx(ctx context.Context, tx *sql.Tx, updateID string, aircraftIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM update_aircraft WHERE update_id=?`, updateID); err != nil {
		return err
	}
	for _, id := range aircraftIDs {
		a, err := getAircraft(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO update_aircraft(update_id,aircraft_id) VALUES (?,?)`, updateID, a.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AffectedAircraftTx(ctx context.Context, tx *sql.Tx, updateID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT aircraft_id FROM update_aircraft WHERE update_id=? ORDER BY aircraft_id`, updateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountUpdatesByStatus returns the number of updates in each status.
func (r Repo) CountUpdatesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM regulatory_updates GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
