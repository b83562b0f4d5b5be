package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"complyline/internal/domain"
)

// InsertDocument records an evidence document. Duplicate (update, kind, ref)
// triples are ignored and reported as false.
func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) (bool, error) {
	if _, err := getUpdate(ctx, tx, d.UpdateID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO documents(id,update_id,work_order_id,kind,ref,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.UpdateID, nullablePtr(d.WorkOrderID), d.Kind, d.Ref, d.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) ListDocuments(ctx context.Context, updateID string) ([]domain.Document, error) {
	return listDocuments(ctx, r.DB, updateID)
}

func (r Repo) ListDocumentsTx(ctx context.Context, tx *sql.Tx, updateID string) ([]domain.Document, error) {
	return listDocuments(ctx, tx, updateID)
}

func listDocuments(ctx context.Context, q queryer, updateID string) ([]domain.Document, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,update_id,work_order_id,kind,ref,created_at FROM documents WHERE update_id=? ORDER BY created_at, id`, updateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var wo sql.NullString
		if err := rows.Scan(&d.ID, &d.UpdateID, &wo, &d.Kind, &d.Ref, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.WorkOrderID = stringPtr(wo)
		res = append(res, d)
	}
	return res, rows.Err()
}

const packageColumns = `p.id,p.update_id,u.ad_number,u.source,p.status,p.documents_json,p.missing_json,p.signoffs,p.total_signoffs,p.artifact_uri,p.artifact_digest,p.created_at,p.updated_at,p.exported_at`

func scanPackage(row rowScanner) (domain.AuditPackage, error) {
	var p domain.AuditPackage
	var docs, missing string
	var uri, digest, exported sql.NullString
	if err := row.Scan(&p.ID, &p.UpdateID, &p.ADNumber, &p.Source, &p.Status, &docs, &missing, &p.Signoffs, &p.TotalSignoffs, &uri, &digest, &p.CreatedAt, &p.UpdatedAt, &exported); err != nil {
		return p, err
	}
	p.Documents = []domain.Document{}
	_ = json.Unmarshal([]byte(docs), &p.Documents)
	p.MissingKinds = unmarshalStrings(missing)
	p.ArtifactURI = stringPtr(uri)
	p.ArtifactDigest = stringPtr(digest)
	p.ExportedAt = stringPtr(exported)
	return p, nil
}

// SavePackageTx inserts or updates the compiled view of a package. Export
// fields are written by SetPackageExportedTx only.
func (r Repo) SavePackageTx(ctx context.Context, tx *sql.Tx, p domain.AuditPackage) error {
	docs, err := json.Marshal(p.Documents)
	if err != nil {
		return err
	}
	missing, err := marshalStrings(p.MissingKinds)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_packages(id,update_id,status,documents_json,missing_json,signoffs,total_signoffs,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, documents_json=excluded.documents_json, missing_json=excluded.missing_json,
signoffs=excluded.signoffs, total_signoffs=excluded.total_signoffs, updated_at=excluded.updated_at`,
		p.ID, p.UpdateID, p.Status, string(docs), missing, p.Signoffs, p.TotalSignoffs, p.CreatedAt, p.UpdatedAt)
	return err
}

// SetPackageExportedTx marks a ready package exported and stores its manifest.
func (r Repo) SetPackageExportedTx(ctx context.Context, tx *sql.Tx, id, uri, digest string, manifest []byte, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE audit_packages SET status='exported', artifact_uri=?, artifact_digest=?, artifact_json=?, exported_at=?, updated_at=? WHERE id=? AND status='ready'`,
		uri, digest, string(manifest), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.InvalidTransition("audit package", id, "?", domain.PackageExported)
	}
	return nil
}

// PackageManifest returns the exported manifest bytes of a package.
func (r Repo) PackageManifest(ctx context.Context, id string) ([]byte, error) {
	var raw sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT artifact_json FROM audit_packages WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("audit package", id)
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, domain.InvalidTransition("audit package", id, domain.PackageReady, domain.PackageExported)
	}
	return []byte(raw.String), nil
}

func (r Repo) GetPackage(ctx context.Context, id string) (domain.AuditPackage, error) {
	return getPackage(ctx, r.DB, `p.id=?`, id)
}

func (r Repo) GetPackageTx(ctx context.Context, tx *sql.Tx, id string) (domain.AuditPackage, error) {
	return getPackage(ctx, tx, `p.id=?`, id)
}

func (r Repo) GetPackageByUpdate(ctx context.Context, updateID string) (domain.AuditPackage, error) {
	return getPackage(ctx, r.DB, `p.update_id=?`, updateID)
}

func (r Repo) GetPackageByUpdateTx(ctx context.Context, tx *sql.Tx, updateID string) (domain.AuditPackage, error) {
	return getPackage(ctx, tx, `p.update_id=?`, updateID)
}

func getPackage(ctx context.Context, q queryer, where, arg string) (domain.AuditPackage, error) {
	p, err := scanPackage(q.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM audit_packages p JOIN regulatory_updates u ON u.id=p.update_id WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return p, domain.NotFound("audit package", arg)
	}
	return p, err
}

// ListPackages returns packages, optionally filtered by status.
func (r Repo) ListPackages(ctx context.Context, status string) ([]domain.AuditPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM audit_packages p JOIN regulatory_updates u ON u.id=p.update_id`
	var args []any
	if status != "" {
		query += ` WHERE p.status=?`
		args = append(args, status)
	}
	query += ` ORDER BY p.created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
