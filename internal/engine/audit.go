package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"complyline/internal/domain"
	"complyline/internal/events"
	"complyline/internal/repo"
)

func (e Engine) attachDocumentTx(ctx context.Context, t *txn, updateID string, workOrderID *string, kind, ref, actorID string) (bool, error) {
	d := domain.Document{
		ID:          uuid.NewString(),
		UpdateID:    updateID,
		WorkOrderID: workOrderID,
		Kind:        kind,
		Ref:         ref,
		CreatedAt:   e.stamp(),
	}
	added, err := e.Repo.InsertDocument(ctx, t.Tx, d)
	if err != nil || !added {
		return false, err
	}
	payload := events.EventPayload{"kind": kind, "ref": ref}
	if workOrderID != nil {
		payload["work_order_id"] = *workOrderID
	}
	return true, t.emit(ctx, events.Record{
		Type:       events.DocumentAttached,
		UpdateID:   updateID,
		EntityKind: "document",
		EntityID:   d.ID,
		ActorID:    actorID,
		Payload:    payload,
	})
}

// DocumentInput attaches evidence to an update.
type DocumentInput struct {
	UpdateID    string  `json:"update_id" validate:"required"`
	WorkOrderID *string `json:"work_order_id"`
	Kind        string  `json:"kind" validate:"required,max=64"`
	Ref         string  `json:"ref" validate:"required,max=1024"`
	ActorID     string  `json:"-"`
}

// AttachDocument adds evidence to an update that is not yet audited. It
// reports false when the same (kind, ref) was already attached.
func (e Engine) AttachDocument(ctx context.Context, in DocumentInput) (bool, error) {
	if err := validateStruct(in); err != nil {
		return false, err
	}
	if len(e.Config.Evidence.Catalog) > 0 {
		if _, ok := e.Config.Evidence.Catalog[in.Kind]; !ok {
			return false, domain.Validation("document kind %q is not in the evidence catalog", in.Kind)
		}
	}
	t, err := e.begin(ctx)
	if err != nil {
		return false, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, in.UpdateID)
	if err != nil {
		return false, err
	}
	if u.Terminal() {
		return false, &domain.Error{
			Kind:    domain.KindInvalidTransition,
			Entity:  "regulatory update",
			ID:      u.ID,
			Message: fmt.Sprintf("regulatory update %s is %s; evidence is closed", u.ADNumber, u.Status),
		}
	}
	if in.WorkOrderID != nil {
		w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, *in.WorkOrderID)
		if err != nil {
			return false, err
		}
		if w.UpdateID != u.ID {
			return false, domain.Validation("work order %s belongs to another update", w.ID)
		}
	}
	added, err := e.attachDocumentTx(ctx, t, u.ID, in.WorkOrderID, in.Kind, in.Ref, in.ActorID)
	if err != nil {
		return false, err
	}
	if err := t.commit(); err != nil {
		return false, err
	}
	return added, nil
}

// missingEvidence lists required kinds with no document. Completion
// certificates are required once per live work order.
func missingEvidence(require []string, docs []domain.Document, wos []domain.WorkOrder) []string {
	have := map[string]bool{}
	certified := map[string]bool{}
	for _, d := range docs {
		have[d.Kind] = true
		if d.Kind == domain.DocCompletionCertificate && d.WorkOrderID != nil {
			certified[*d.WorkOrderID] = true
		}
	}
	var missing []string
	for _, kind := range require {
		if kind == domain.DocCompletionCertificate {
			for _, w := range wos {
				if w.Live() && !certified[w.ID] {
					missing = append(missing, kind)
					break
				}
			}
			continue
		}
		if !have[kind] {
			missing = append(missing, kind)
		}
	}
	return missing
}

// EvaluateAudit compiles or refreshes the audit package of an update whose
// live work orders are all completed. The package turns ready once every
// signoff is in and no required evidence is missing.
func (e Engine) EvaluateAudit(ctx context.Context, updateID, actorID string) (domain.AuditPackage, error) {
	p, _, err := e.evaluateAudit(ctx, updateID, actorID)
	return p, err
}

func (e Engine) evaluateAudit(ctx context.Context, updateID, actorID string) (domain.AuditPackage, bool, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.AuditPackage{}, false, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, updateID)
	if err != nil {
		return domain.AuditPackage{}, false, err
	}
	existing, err := e.Repo.GetPackageByUpdateTx(ctx, t.Tx, u.ID)
	found := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.AuditPackage{}, false, err
	}
	if found && existing.Status == domain.PackageExported {
		return existing, false, nil
	}
	if u.Status == domain.UpdateCancelled {
		return domain.AuditPackage{}, false, domain.InvalidTransition("regulatory update", u.ID, u.Status, "audit")
	}
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
	if err != nil {
		return domain.AuditPackage{}, false, err
	}
	live, done := 0, 0
	for _, w := range wos {
		if !w.Live() {
			continue
		}
		live++
		if w.Status == domain.WorkOrderCompleted {
			done++
		}
	}
	if !found && (live == 0 || done < live) {
		return domain.AuditPackage{}, false, domain.IncompleteAggregate("audit package", u.ID, "%d of %d work orders completed", done, live)
	}
	g, err := e.gateTx(ctx, t, u.ID)
	if err != nil {
		return domain.AuditPackage{}, false, err
	}
	docs, err := e.Repo.ListDocumentsTx(ctx, t.Tx, u.ID)
	if err != nil {
		return domain.AuditPackage{}, false, err
	}
	if docs == nil {
		docs = []domain.Document{}
	}

	now := e.stamp()
	p := existing
	if !found {
		p = domain.AuditPackage{
			ID:        uuid.NewString(),
			UpdateID:  u.ID,
			ADNumber:  u.ADNumber,
			Source:    u.Source,
			CreatedAt: now,
		}
	}
	p.Documents = docs
	p.MissingKinds = missingEvidence(e.Config.Evidence.Require, docs, wos)
	p.Signoffs = g.Approved
	p.TotalSignoffs = g.Required
	p.Status = domain.PackageCompiling
	if done == live && g.Satisfied && len(p.MissingKinds) == 0 {
		p.Status = domain.PackageReady
	}
	if found && existing.Status == p.Status && existing.Signoffs == p.Signoffs &&
		existing.TotalSignoffs == p.TotalSignoffs && len(existing.Documents) == len(p.Documents) &&
		slices.Equal(existing.MissingKinds, p.MissingKinds) {
		return existing, false, nil
	}
	p.UpdatedAt = now
	if err := e.Repo.SavePackageTx(ctx, t.Tx, p); err != nil {
		return domain.AuditPackage{}, false, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.AuditCompiled,
		UpdateID:   u.ID,
		EntityKind: "audit_package",
		EntityID:   p.ID,
		ActorID:    actorID,
		Payload: events.EventPayload{
			"status":         p.Status,
			"signoffs":       p.Signoffs,
			"total_signoffs": p.TotalSignoffs,
			"documents":      len(p.Documents),
			"missing":        p.MissingKinds,
		},
	}); err != nil {
		return domain.AuditPackage{}, false, err
	}
	if err := t.commit(); err != nil {
		return domain.AuditPackage{}, false, err
	}
	return p, true, nil
}

// Manifest is the exported body of an audit package.
type Manifest struct {
	Package     domain.AuditPackage     `json:"package"`
	Update      domain.RegulatoryUpdate `json:"update"`
	Requirement *domain.Requirement     `json:"requirement,omitempty"`
	WorkOrders  []domain.WorkOrder      `json:"work_orders"`
	Approvals   []domain.Approval       `json:"approvals"`
	Trail       []domain.Event          `json:"trail"`
}

// ExportAudit renders a ready package to its manifest and returns a reference
// to it. Exporting an already exported package returns the stored reference;
// a package whose update was cancelled is never exported.
func (e Engine) ExportAudit(ctx context.Context, packageID, actorID string) (domain.ArtifactRef, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	defer t.Rollback()

	p, err := e.Repo.GetPackageTx(ctx, t.Tx, packageID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	switch p.Status {
	case domain.PackageExported:
		return e.storedArtifact(ctx, p)
	case domain.PackageCompiling:
		return domain.ArtifactRef{}, domain.InvalidTransition("audit package", p.ID, p.Status, domain.PackageExported)
	}

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, p.UpdateID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if u.Status == domain.UpdateCancelled {
		return domain.ArtifactRef{}, &domain.Error{
			Kind:    domain.KindInvalidTransition,
			Entity:  "audit package",
			ID:      p.ID,
			Message: fmt.Sprintf("audit package %s belongs to cancelled update %s", p.ID, u.ADNumber),
		}
	}
	req, err := e.Repo.GetRequirementTx(ctx, t.Tx, u.ID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	approvals, err := e.Repo.ListApprovalsTx(ctx, t.Tx, repo.ApprovalFilters{UpdateID: u.ID})
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	trail, err := e.Repo.UpdateTrailTx(ctx, t.Tx, u.ID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	manifest, err := json.MarshalIndent(Manifest{
		Package:     p,
		Update:      u,
		Requirement: req,
		WorkOrders:  wos,
		Approvals:   approvals,
		Trail:       trail,
	}, "", "  ")
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("render manifest: %w", err)
	}
	sum := sha256.Sum256(manifest)
	digest := hex.EncodeToString(sum[:])
	uri := artifactURI(p.ID, digest)
	now := e.stamp()
	if err := e.Repo.SetPackageExportedTx(ctx, t.Tx, p.ID, uri, digest, manifest, now); err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.AuditExported,
		UpdateID:   u.ID,
		EntityKind: "audit_package",
		EntityID:   p.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"uri": uri, "digest": digest, "size": len(manifest)},
	}); err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := t.commit(); err != nil {
		return domain.ArtifactRef{}, err
	}
	return domain.ArtifactRef{PackageID: p.ID, URI: uri, Digest: digest, Size: len(manifest), ExportedAt: now}, nil
}

func (e Engine) storedArtifact(ctx context.Context, p domain.AuditPackage) (domain.ArtifactRef, error) {
	manifest, err := e.Repo.PackageManifest(ctx, p.ID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	return domain.ArtifactRef{
		PackageID:  p.ID,
		URI:        deref(p.ArtifactURI),
		Digest:     deref(p.ArtifactDigest),
		Size:       len(manifest),
		ExportedAt: deref(p.ExportedAt),
	}, nil
}

func artifactURI(packageID, digest string) string {
	return fmt.Sprintf("audit://packages/%s/%s", packageID, digest[:16])
}
