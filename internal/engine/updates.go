package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"complyline/internal/domain"
	"complyline/internal/events"
	"complyline/internal/repo"
)

// UpdateInput is one regulatory update as delivered by a feed.
type UpdateInput struct {
	ADNumber           string  `json:"ad_number" validate:"required,max=64"`
	Source             string  `json:"source" validate:"required,max=16"`
	Title              string  `json:"title" validate:"required,max=512"`
	AircraftType       string  `json:"aircraft_type" validate:"max=64"`
	MandatoryAction    string  `json:"mandatory_action"`
	ComplianceDeadline string  `json:"compliance_deadline" validate:"required,isodate"`
	Priority           string  `json:"priority" validate:"required,priority"`
	PublishedDate      *string `json:"published_date" validate:"omitempty,isodate"`
	OriginalRef        string  `json:"original_ref"`
	ActorID            string  `json:"-"`
}

// UpsertUpdate creates the update for a new AD number or revises the
// existing one. It reports whether a new update was created.
func (e Engine) UpsertUpdate(ctx context.Context, in UpdateInput) (domain.RegulatoryUpdate, bool, error) {
	if err := validateStruct(in); err != nil {
		return domain.RegulatoryUpdate{}, false, err
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.RegulatoryUpdate{}, false, err
	}
	defer t.Rollback()

	existing, err := e.Repo.GetUpdateByADTx(ctx, t.Tx, in.ADNumber)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		u, err := e.createUpdate(ctx, t, in)
		if err != nil {
			return domain.RegulatoryUpdate{}, false, err
		}
		if err := t.commit(); err != nil {
			return domain.RegulatoryUpdate{}, false, err
		}
		return u, true, nil
	case err != nil:
		return domain.RegulatoryUpdate{}, false, err
	}
	u, err := e.reviseUpdate(ctx, t, existing, in)
	if err != nil {
		return domain.RegulatoryUpdate{}, false, err
	}
	if err := t.commit(); err != nil {
		return domain.RegulatoryUpdate{}, false, err
	}
	return u, false, nil
}

func (e Engine) createUpdate(ctx context.Context, t *txn, in UpdateInput) (domain.RegulatoryUpdate, error) {
	now := e.stamp()
	u := domain.RegulatoryUpdate{
		ID:                 uuid.NewString(),
		ADNumber:           in.ADNumber,
		Source:             in.Source,
		Title:              in.Title,
		AircraftType:       in.AircraftType,
		MandatoryAction:    in.MandatoryAction,
		ComplianceDeadline: in.ComplianceDeadline,
		Priority:           in.Priority,
		PublishedDate:      in.PublishedDate,
		Status:             domain.UpdateNew,
		Revision:           1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertUpdate(ctx, t.Tx, u); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.UpdateCreated,
		UpdateID:   u.ID,
		EntityKind: "regulatory_update",
		EntityID:   u.ID,
		ActorID:    in.ActorID,
		Payload: events.EventPayload{
			"ad_number": u.ADNumber,
			"source":    u.Source,
			"priority":  u.Priority,
			"deadline":  u.ComplianceDeadline,
		},
	}); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if in.OriginalRef != "" {
		if _, err := e.attachDocumentTx(ctx, t, u.ID, nil, domain.DocOriginalAD, in.OriginalRef, in.ActorID); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
	}
	return u, nil
}

// reviseUpdate applies a re-delivered AD. Unchanged input is a no-op.
func (e Engine) reviseUpdate(ctx context.Context, t *txn, u domain.RegulatoryUpdate, in UpdateInput) (domain.RegulatoryUpdate, error) {
	if u.Terminal() {
		return domain.RegulatoryUpdate{}, &domain.Error{
			Kind:    domain.KindInvalidTransition,
			Entity:  "regulatory update",
			ID:      u.ID,
			Message: fmt.Sprintf("regulatory update %s is %s and can no longer be revised", u.ADNumber, u.Status),
		}
	}
	changed := map[string]any{}
	if in.AircraftType != "" && in.AircraftType != u.AircraftType {
		if u.Status != domain.UpdateNew && u.Status != domain.UpdateParsing {
			return domain.RegulatoryUpdate{}, domain.Validation("aircraft type of %s cannot change once impact analysis has started", u.ADNumber)
		}
		changed["aircraft_type"] = in.AircraftType
		u.AircraftType = in.AircraftType
	}
	if in.MandatoryAction != "" && in.MandatoryAction != u.MandatoryAction {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(u.MandatoryAction, in.MandatoryAction, false)
		changed["mandatory_action_patch"] = dmp.PatchToText(dmp.PatchMake(u.MandatoryAction, diffs))
		u.MandatoryAction = in.MandatoryAction
	}
	if in.Title != u.Title {
		changed["title"] = in.Title
		u.Title = in.Title
	}
	if in.Source != u.Source {
		changed["source"] = in.Source
		u.Source = in.Source
	}
	if in.PublishedDate != nil && deref(in.PublishedDate) != deref(u.PublishedDate) {
		changed["published_date"] = *in.PublishedDate
		u.PublishedDate = in.PublishedDate
	}
	deadlineChanged := in.ComplianceDeadline != u.ComplianceDeadline
	priorityChanged := in.Priority != u.Priority
	if deadlineChanged {
		changed["compliance_deadline"] = in.ComplianceDeadline
		u.ComplianceDeadline = in.ComplianceDeadline
	}
	if priorityChanged {
		changed["priority"] = in.Priority
		u.Priority = in.Priority
	}
	if len(changed) == 0 {
		return u, nil
	}
	u.Revision++
	u.UpdatedAt = e.stamp()
	if err := e.Repo.ReviseUpdateTx(ctx, t.Tx, u); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if deadlineChanged || priorityChanged {
		if err := e.propagateSchedule(ctx, t, u, in.ActorID); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
	}
	changed["revision"] = u.Revision
	if err := t.emit(ctx, events.Record{
		Type:       events.UpdateRevised,
		UpdateID:   u.ID,
		EntityKind: "regulatory_update",
		EntityID:   u.ID,
		ActorID:    in.ActorID,
		Payload:    changed,
	}); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if in.OriginalRef != "" {
		if _, err := e.attachDocumentTx(ctx, t, u.ID, nil, domain.DocOriginalAD, in.OriginalRef, in.ActorID); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
	}
	return u, nil
}

// propagateSchedule carries a new deadline or priority onto open work orders.
func (e Engine) propagateSchedule(ctx context.Context, t *txn, u domain.RegulatoryUpdate, actorID string) error {
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
	if err != nil {
		return err
	}
	for _, w := range wos {
		if w.Status == domain.WorkOrderCancelled || w.Status == domain.WorkOrderCompleted {
			continue
		}
		if w.ScheduledDate != nil && *w.ScheduledDate > u.ComplianceDeadline {
			return domain.Validation("work order %s is scheduled %s, after the new deadline %s", w.ID, *w.ScheduledDate, u.ComplianceDeadline)
		}
		w.DueDate = u.ComplianceDeadline
		w.Priority = domain.MoreUrgent(u.Priority, deref(w.PriorityOverride))
		w.UpdatedAt = u.UpdatedAt
		if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
			return err
		}
		if err := t.emit(ctx, events.Record{
			Type:       events.WorkOrderPlanned,
			UpdateID:   u.ID,
			EntityKind: "work_order",
			EntityID:   w.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"due_date": w.DueDate, "priority": w.Priority},
		}); err != nil {
			return err
		}
	}
	return nil
}

// RecordRequirement stores the structured requirement delivered by ingestion
// and moves a new update into parsing. A later delivery while still parsing
// replaces the earlier one.
func (e Engine) RecordRequirement(ctx context.Context, updateID string, req domain.Requirement, actorID string) (domain.RegulatoryUpdate, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, updateID)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u.Status != domain.UpdateNew && u.Status != domain.UpdateParsing {
		return domain.RegulatoryUpdate{}, domain.InvalidTransition("regulatory update", u.ID, u.Status, domain.UpdateParsing)
	}
	now := e.stamp()
	if req.AircraftType == "" {
		req.AircraftType = u.AircraftType
	}
	if req.MandatoryAction == "" {
		req.MandatoryAction = u.MandatoryAction
	}
	if err := e.Repo.PutRequirementTx(ctx, t.Tx, u.ID, req, now); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if req.AircraftType != u.AircraftType || req.MandatoryAction != u.MandatoryAction {
		u.AircraftType = req.AircraftType
		u.MandatoryAction = req.MandatoryAction
		u.UpdatedAt = now
		if err := e.Repo.ReviseUpdateTx(ctx, t.Tx, u); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.UpdateParsed,
		UpdateID:   u.ID,
		EntityKind: "regulatory_update",
		EntityID:   u.ID,
		ActorID:    actorID,
		Payload: events.EventPayload{
			"aircraft_type": req.AircraftType,
			"complete":      req.Complete(),
			"parts":         len(req.Parts),
		},
	}); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	ref := req.SourceRef
	if ref == "" {
		ref = fmt.Sprintf("parsed://%s/r%d", u.ADNumber, u.Revision)
	}
	if _, err := e.attachDocumentTx(ctx, t, u.ID, nil, domain.DocParsedData, ref, actorID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u.Status == domain.UpdateNew {
		if u, err = e.transitionTx(ctx, t, u, domain.UpdateParsing, actorID); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
	}
	if err := t.commit(); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return u, nil
}

// CancelUpdate withdraws an update. Every work order not yet completed is
// cancelled and all pending approvals become moot.
func (e Engine) CancelUpdate(ctx context.Context, updateID, reason, actorID string) (domain.RegulatoryUpdate, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, updateID)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u, err = e.cancelUpdateTx(ctx, t, u, reason, actorID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if err := t.commit(); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return u, nil
}

func (e Engine) cancelUpdateTx(ctx context.Context, t *txn, u domain.RegulatoryUpdate, reason, actorID string) (domain.RegulatoryUpdate, error) {
	if u.Terminal() {
		return domain.RegulatoryUpdate{}, domain.InvalidTransition("regulatory update", u.ID, u.Status, domain.UpdateCancelled)
	}
	if reason == "" {
		reason = "withdrawn"
	}
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	cascaded := 0
	for _, w := range wos {
		switch w.Status {
		case domain.WorkOrderCancelled:
			continue
		case domain.WorkOrderCompleted:
			if err := e.mootApprovalsTx(ctx, t, w, actorID); err != nil {
				return domain.RegulatoryUpdate{}, err
			}
		default:
			if _, err := e.cancelWorkOrderTx(ctx, t, w, "update cancelled: "+reason, actorID); err != nil {
				return domain.RegulatoryUpdate{}, err
			}
			cascaded++
		}
	}
	from := u.Status
	now := e.stamp()
	if err := e.Repo.SetUpdateStatusTx(ctx, t.Tx, u.ID, from, domain.UpdateCancelled, now, &reason); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	u.Status = domain.UpdateCancelled
	u.CancelReason = &reason
	u.UpdatedAt = now
	if err := t.emit(ctx, events.Record{
		Type:       events.UpdateCancelled,
		UpdateID:   u.ID,
		EntityKind: "regulatory_update",
		EntityID:   u.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": from, "reason": reason, "work_orders_cancelled": cascaded},
	}); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return u, nil
}
