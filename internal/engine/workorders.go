package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"complyline/internal/domain"
	"complyline/internal/events"
	"complyline/internal/repo"
)

func ensureWorkOrderTransition(w domain.WorkOrder, to string) error {
	switch w.Status {
	case domain.WorkOrderPending:
		if to == domain.WorkOrderInProgress || to == domain.WorkOrderCompleted || to == domain.WorkOrderCancelled {
			return nil
		}
	case domain.WorkOrderInProgress:
		if to == domain.WorkOrderCompleted || to == domain.WorkOrderCancelled {
			return nil
		}
	}
	return domain.InvalidTransition("work order", w.ID, w.Status, to)
}

// ApplyImpact records the affected aircraft computed for an analyzing update.
// A non-empty set derives one work order per aircraft and moves the update to
// implementing; an empty set cancels the update.
func (e Engine) ApplyImpact(ctx context.Context, updateID string, aircraftIDs []string, actorID string) (domain.RegulatoryUpdate, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, updateID)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u.Status != domain.UpdateAnalyzing {
		return domain.RegulatoryUpdate{}, domain.InvalidTransition("regulatory update", u.ID, u.Status, domain.UpdateImplementing)
	}
	seen := map[string]bool{}
	var fleet []domain.Aircraft
	for _, id := range aircraftIDs {
		a, err := e.Repo.GetAircraftTx(ctx, t.Tx, id)
		if err != nil {
			return domain.RegulatoryUpdate{}, err
		}
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		fleet = append(fleet, a)
	}
	if len(fleet) == 0 {
		if u, err = e.cancelUpdateTx(ctx, t, u, "no affected aircraft in fleet", actorID); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
		if err := t.commit(); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
		return u, nil
	}

	ids := make([]string, 0, len(fleet))
	regs := make([]string, 0, len(fleet))
	for _, a := range fleet {
		ids = append(ids, a.ID)
		regs = append(regs, a.Registration)
	}
	if err := e.Repo.SetAffectedAircraftTx(ctx, t.Tx, u.ID, ids); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	u.AffectedAircraft = len(ids)
	if err := t.emit(ctx, events.Record{
		Type:       events.UpdateImpact,
		UpdateID:   u.ID,
		EntityKind: "regulatory_update",
		EntityID:   u.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"affected": regs},
	}); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if _, err := e.attachDocumentTx(ctx, t, u.ID, nil, domain.DocImpactAnalysis, fmt.Sprintf("impact://%s/r%d", u.ADNumber, u.Revision), actorID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}

	req, err := e.Repo.GetRequirementTx(ctx, t.Tx, u.ID)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if req == nil {
		req = &domain.Requirement{MandatoryAction: u.MandatoryAction, AircraftType: u.AircraftType}
	}
	for _, a := range fleet {
		w := e.deriveWorkOrder(u, *req, a)
		if err := e.Repo.InsertWorkOrder(ctx, t.Tx, w); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
		if err := t.emit(ctx, events.Record{
			Type:       events.WorkOrderCreated,
			UpdateID:   u.ID,
			EntityKind: "work_order",
			EntityID:   w.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"aircraft": a.Registration, "priority": w.Priority, "due_date": w.DueDate},
		}); err != nil {
			return domain.RegulatoryUpdate{}, err
		}
	}
	if _, err := e.attachDocumentTx(ctx, t, u.ID, nil, domain.DocWorkOrders, fmt.Sprintf("workorders://%s/r%d", u.ADNumber, u.Revision), actorID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u, err = e.transitionTx(ctx, t, u, domain.UpdateImplementing, actorID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if err := t.commit(); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return u, nil
}

func (e Engine) deriveWorkOrder(u domain.RegulatoryUpdate, req domain.Requirement, a domain.Aircraft) domain.WorkOrder {
	now := e.stamp()
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Comply with %s: %s", u.ADNumber, req.MandatoryAction)
	}
	downtime := req.EstimatedDowntime
	if downtime == "" {
		downtime = e.Config.WorkOrders.DefaultDowntime
	}
	parts := append([]string(nil), req.Parts...)
	return domain.WorkOrder{
		ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte(u.ID+"|"+a.ID)).String(),
		UpdateID:          u.ID,
		AircraftID:        a.ID,
		Registration:      a.Registration,
		ADNumber:          u.ADNumber,
		Description:       desc,
		EstimatedDowntime: downtime,
		Status:            domain.WorkOrderPending,
		Priority:          u.Priority,
		AssignedTeam:      optionalString(e.Config.WorkOrders.AssignedTeam),
		DueDate:           u.ComplianceDeadline,
		Parts:             parts,
		Cycle:             1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// InstantiateApprovals creates the pending approvals of a testing update:
// one per governance role on each live work order. Existing approvals are
// left alone, so repeated calls create nothing. It returns how many were created.
func (e Engine) InstantiateApprovals(ctx context.Context, updateID, actorID string) (int, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, updateID)
	if err != nil {
		return 0, err
	}
	if u.Status != domain.UpdateTesting {
		return 0, domain.InvalidTransition("regulatory update", u.ID, u.Status, domain.UpdatePendingApproval)
	}
	g, err := e.gateTx(ctx, t, u.ID)
	if err != nil {
		return 0, err
	}
	if len(g.Missing) == 0 {
		return 0, nil
	}
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
	if err != nil {
		return 0, err
	}
	current, err := e.Repo.ListApprovalsTx(ctx, t.Tx, repo.ApprovalFilters{UpdateID: u.ID, CurrentOnly: true})
	if err != nil {
		return 0, err
	}
	have := map[string]bool{}
	for _, a := range current {
		have[a.WorkOrderID+"|"+a.Role] = true
	}
	created := 0
	for _, w := range wos {
		if !w.Live() {
			continue
		}
		for _, role := range e.Config.Governance.Roles {
			if have[w.ID+"|"+role] {
				continue
			}
			if _, err := e.createApprovalTx(ctx, t, w, role, actorID); err != nil {
				return 0, err
			}
			created++
		}
	}
	if err := t.commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func (e Engine) createApprovalTx(ctx context.Context, t *txn, w domain.WorkOrder, role, actorID string) (domain.Approval, error) {
	a := domain.Approval{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(w.ID+"|"+role+"|"+strconv.Itoa(w.Cycle))).String(),
		WorkOrderID: w.ID,
		UpdateID:    w.UpdateID,
		Role:        role,
		Cycle:       w.Cycle,
		Status:      domain.ApprovalPending,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertApproval(ctx, t.Tx, a); err != nil {
		return domain.Approval{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.ApprovalCreated,
		UpdateID:   w.UpdateID,
		EntityKind: "approval",
		EntityID:   a.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"role": role, "work_order_id": w.ID, "cycle": w.Cycle},
	}); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// WorkOrderPlan edits the planning fields of a work order. Nil fields are left unchanged.
type WorkOrderPlan struct {
	ID                string   `json:"id" validate:"required"`
	AssignedTeam      *string  `json:"assigned_team" validate:"omitempty,max=128"`
	ScheduledDate     *string  `json:"scheduled_date" validate:"omitempty,isodate"`
	PriorityOverride  *string  `json:"priority_override" validate:"omitempty,priority"`
	EstimatedDowntime *string  `json:"estimated_downtime" validate:"omitempty,max=64"`
	Parts             []string `json:"parts"`
	ActorID           string   `json:"-"`
}

func (e Engine) PlanWorkOrder(ctx context.Context, p WorkOrderPlan) (domain.WorkOrder, error) {
	if err := validateStruct(p); err != nil {
		return domain.WorkOrder{}, err
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer t.Rollback()

	w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, p.ID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if w.Status == domain.WorkOrderCompleted || w.Status == domain.WorkOrderCancelled {
		return domain.WorkOrder{}, &domain.Error{
			Kind:    domain.KindInvalidTransition,
			Entity:  "work order",
			ID:      w.ID,
			Message: fmt.Sprintf("work order %s is %s and can no longer be planned", w.ID, w.Status),
		}
	}
	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, w.UpdateID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	changed := events.EventPayload{}
	if p.AssignedTeam != nil {
		w.AssignedTeam = optionalString(*p.AssignedTeam)
		changed["assigned_team"] = *p.AssignedTeam
	}
	if p.ScheduledDate != nil {
		if *p.ScheduledDate > w.DueDate {
			return domain.WorkOrder{}, domain.Validation("scheduled_date %s is after the compliance deadline %s", *p.ScheduledDate, w.DueDate)
		}
		w.ScheduledDate = p.ScheduledDate
		changed["scheduled_date"] = *p.ScheduledDate
	}
	if p.PriorityOverride != nil {
		if domain.PriorityRank(*p.PriorityOverride) < domain.PriorityRank(u.Priority) {
			return domain.WorkOrder{}, domain.Validation("priority override %s is less urgent than %s on %s", *p.PriorityOverride, u.Priority, u.ADNumber)
		}
		w.PriorityOverride = p.PriorityOverride
		changed["priority_override"] = *p.PriorityOverride
	}
	if p.EstimatedDowntime != nil {
		w.EstimatedDowntime = *p.EstimatedDowntime
		changed["estimated_downtime"] = *p.EstimatedDowntime
	}
	if p.Parts != nil {
		w.Parts = p.Parts
		changed["parts"] = p.Parts
	}
	if len(changed) == 0 {
		return w, nil
	}
	w.Priority = domain.MoreUrgent(u.Priority, deref(w.PriorityOverride))
	w.UpdatedAt = e.stamp()
	if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
		return domain.WorkOrder{}, err
	}
	changed["priority"] = w.Priority
	if err := t.emit(ctx, events.Record{
		Type:       events.WorkOrderPlanned,
		UpdateID:   w.UpdateID,
		EntityKind: "work_order",
		EntityID:   w.ID,
		ActorID:    p.ActorID,
		Payload:    changed,
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// ensureWorkAllowed rejects hands-on work before approvals are instantiated.
func ensureWorkAllowed(u domain.RegulatoryUpdate, w domain.WorkOrder, to string) error {
	if u.Status == domain.UpdatePendingApproval || u.Status == domain.UpdateDeployed {
		return nil
	}
	return &domain.Error{
		Kind:    domain.KindInvalidTransition,
		Entity:  "work order",
		ID:      w.ID,
		Message: fmt.Sprintf("work order %s cannot move to %s while %s is %s", w.ID, to, u.ADNumber, u.Status),
	}
}

func (e Engine) StartWork(ctx context.Context, workOrderID, actorID string) (domain.WorkOrder, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer t.Rollback()

	w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, workOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := ensureWorkOrderTransition(w, domain.WorkOrderInProgress); err != nil {
		return domain.WorkOrder{}, err
	}
	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, w.UpdateID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := ensureWorkAllowed(u, w, domain.WorkOrderInProgress); err != nil {
		return domain.WorkOrder{}, err
	}
	w.Status = domain.WorkOrderInProgress
	w.UpdatedAt = e.stamp()
	if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
		return domain.WorkOrder{}, err
	}
	a, err := e.Repo.GetAircraftTx(ctx, t.Tx, w.AircraftID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if a.Status == domain.AircraftOperational {
		a.Status = domain.AircraftMaintenance
		a.UpdatedAt = w.UpdatedAt
		if err := e.Repo.UpdateAircraftTx(ctx, t.Tx, a); err != nil {
			return domain.WorkOrder{}, err
		}
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.WorkOrderStarted,
		UpdateID:   w.UpdateID,
		EntityKind: "work_order",
		EntityID:   w.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"aircraft": w.Registration, "cycle": w.Cycle},
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// WorkCompletion reports finished work on one work order.
type WorkCompletion struct {
	WorkOrderID    string   `json:"work_order_id" validate:"required"`
	CertificateRef string   `json:"certificate_ref" validate:"max=512"`
	FlightHours    *float64 `json:"flight_hours" validate:"omitempty,gte=0"`
	Cycles         *int     `json:"cycles" validate:"omitempty,gte=0"`
	ActorID        string   `json:"-"`
}

// CompleteWork marks a work order completed, files its completion
// certificate and returns the aircraft to service.
func (e Engine) CompleteWork(ctx context.Context, c WorkCompletion) (domain.WorkOrder, error) {
	if err := validateStruct(c); err != nil {
		return domain.WorkOrder{}, err
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer t.Rollback()

	w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, c.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := ensureWorkOrderTransition(w, domain.WorkOrderCompleted); err != nil {
		return domain.WorkOrder{}, err
	}
	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, w.UpdateID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := ensureWorkAllowed(u, w, domain.WorkOrderCompleted); err != nil {
		return domain.WorkOrder{}, err
	}
	a, err := e.Repo.GetAircraftTx(ctx, t.Tx, w.AircraftID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := applyReadings(&a, c.FlightHours, c.Cycles); err != nil {
		return domain.WorkOrder{}, err
	}
	now := e.stamp()
	w.Status = domain.WorkOrderCompleted
	w.CompletedAt = &now
	w.UpdatedAt = now
	if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.WorkOrderCompleted,
		UpdateID:   w.UpdateID,
		EntityKind: "work_order",
		EntityID:   w.ID,
		ActorID:    c.ActorID,
		Payload:    events.EventPayload{"aircraft": w.Registration, "cycle": w.Cycle},
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	ref := c.CertificateRef
	if ref == "" {
		ref = fmt.Sprintf("certificate://%s/%s/c%d", w.ADNumber, w.Registration, w.Cycle)
	}
	if _, err := e.attachDocumentTx(ctx, t, w.UpdateID, &w.ID, domain.DocCompletionCertificate, ref, c.ActorID); err != nil {
		return domain.WorkOrder{}, err
	}

	from := a.Status
	today := e.today()
	a.LastMaintenance = &today
	if a.Status == domain.AircraftMaintenance || a.Status == domain.AircraftInspection {
		a.Status = domain.AircraftOperational
	}
	a.UpdatedAt = now
	if err := e.Repo.UpdateAircraftTx(ctx, t.Tx, a); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.AircraftMaintained,
		UpdateID:   w.UpdateID,
		EntityKind: "aircraft",
		EntityID:   a.ID,
		ActorID:    c.ActorID,
		Payload:    events.EventPayload{"from": from, "to": a.Status, "work_order_id": w.ID},
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// CancelWorkOrder cancels one work order and voids its pending approvals.
// Cancelling the last live work order cancels the update.
func (e Engine) CancelWorkOrder(ctx context.Context, workOrderID, reason, actorID string) (domain.WorkOrder, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer t.Rollback()

	w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, workOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	if w, err = e.cancelWorkOrderTx(ctx, t, w, reason, actorID); err != nil {
		return domain.WorkOrder{}, err
	}
	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, w.UpdateID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.cancelIfNoLiveWorkTx(ctx, t, u, actorID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

func (e Engine) cancelWorkOrderTx(ctx context.Context, t *txn, w domain.WorkOrder, reason, actorID string) (domain.WorkOrder, error) {
	if err := ensureWorkOrderTransition(w, domain.WorkOrderCancelled); err != nil {
		return domain.WorkOrder{}, err
	}
	return e.voidWorkOrderTx(ctx, t, w, reason, actorID)
}

// voidWorkOrderTx cancels w from any live status and moots its pending
// approvals. Rejection remediation uses it directly since a rejected work
// order may already be completed.
func (e Engine) voidWorkOrderTx(ctx context.Context, t *txn, w domain.WorkOrder, reason, actorID string) (domain.WorkOrder, error) {
	if !w.Live() {
		return domain.WorkOrder{}, domain.InvalidTransition("work order", w.ID, w.Status, domain.WorkOrderCancelled)
	}
	from := w.Status
	w.Status = domain.WorkOrderCancelled
	w.CancelReason = &reason
	w.Remediation = false
	w.UpdatedAt = e.stamp()
	if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.WorkOrderCancelled,
		UpdateID:   w.UpdateID,
		EntityKind: "work_order",
		EntityID:   w.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": from, "reason": reason},
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.mootApprovalsTx(ctx, t, w, actorID); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

func (e Engine) mootApprovalsTx(ctx context.Context, t *txn, w domain.WorkOrder, actorID string) error {
	ids, err := e.Repo.MootPendingApprovalsTx(ctx, t.Tx, w.ID, e.stamp())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.emit(ctx, events.Record{
			Type:       events.ApprovalMooted,
			UpdateID:   w.UpdateID,
			EntityKind: "approval",
			EntityID:   id,
			ActorID:    actorID,
			Payload:    events.EventPayload{"work_order_id": w.ID},
		}); err != nil {
			return err
		}
	}
	return nil
}

// cancelIfNoLiveWorkTx cancels a non-terminal update whose work orders have
// all been cancelled.
func (e Engine) cancelIfNoLiveWorkTx(ctx context.Context, t *txn, u domain.RegulatoryUpdate, actorID string) error {
	if u.Terminal() {
		return nil
	}
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
	if err != nil {
		return err
	}
	for _, w := range wos {
		if w.Live() {
			return nil
		}
	}
	_, err = e.cancelUpdateTx(ctx, t, u, "all work orders cancelled", actorID)
	return err
}
