package engine

import (
	"context"
	"fmt"
	"strings"

	"complyline/internal/config"
	"complyline/internal/domain"
	"complyline/internal/engine/auth"
	"complyline/internal/events"
	"complyline/internal/repo"
)

// GateReport summarises the approval gate of one update. Required counts one
// signoff per governance role on every live work order.
type GateReport struct {
	UpdateID   string   `json:"update_id"`
	Roles      []string `json:"roles"`
	WorkOrders int      `json:"work_orders"`
	Required   int      `json:"required"`
	Approved   int      `json:"approved"`
	Pending    int      `json:"pending"`
	Rejected   int      `json:"rejected"`
	Missing    []string `json:"missing,omitempty"`
	Satisfied  bool     `json:"satisfied"`
}

// computeGate evaluates current-cycle approvals against the live work orders.
func computeGate(updateID string, roles []string, wos []domain.WorkOrder, current []domain.Approval) GateReport {
	g := GateReport{UpdateID: updateID, Roles: roles}
	byKey := map[string]domain.Approval{}
	for _, a := range current {
		byKey[a.WorkOrderID+"|"+a.Role] = a
	}
	for _, w := range wos {
		if !w.Live() {
			continue
		}
		g.WorkOrders++
		for _, role := range roles {
			g.Required++
			a, ok := byKey[w.ID+"|"+role]
			if !ok {
				g.Missing = append(g.Missing, w.ID+"/"+role)
				continue
			}
			switch a.Status {
			case domain.ApprovalApproved:
				g.Approved++
			case domain.ApprovalPending:
				g.Pending++
			case domain.ApprovalRejected:
				g.Rejected++
			}
		}
	}
	g.Satisfied = g.Required > 0 && g.Approved == g.Required
	return g
}

func (e Engine) gateTx(ctx context.Context, t *txn, updateID string) (GateReport, error) {
	wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: updateID})
	if err != nil {
		return GateReport{}, err
	}
	current, err := e.Repo.ListApprovalsTx(ctx, t.Tx, repo.ApprovalFilters{UpdateID: updateID, CurrentOnly: true})
	if err != nil {
		return GateReport{}, err
	}
	return computeGate(updateID, e.Config.Governance.Roles, wos, current), nil
}

// GateStatus reports the approval gate of an update.
func (e Engine) GateStatus(ctx context.Context, updateID string) (GateReport, error) {
	if _, err := e.Repo.GetUpdate(ctx, updateID); err != nil {
		return GateReport{}, err
	}
	wos, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{UpdateID: updateID})
	if err != nil {
		return GateReport{}, err
	}
	current, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{UpdateID: updateID, CurrentOnly: true})
	if err != nil {
		return GateReport{}, err
	}
	return computeGate(updateID, e.Config.Governance.Roles, wos, current), nil
}

// Decision is one approver's verdict on a pending approval.
type Decision struct {
	ApprovalID string  `json:"approval_id" validate:"required"`
	Decision   string  `json:"decision" validate:"required,oneof=approved rejected"`
	Approver   string  `json:"approver" validate:"required,max=128"`
	Comment    *string `json:"comment"`
}

// SubmitApproval records a decision. Re-submitting the same decision by the
// same approver returns the stored record unchanged; any other decision on a
// resolved approval fails with AlreadyResolved or ConflictingDecision. The
// returned flag reports whether the approval changed.
func (e Engine) SubmitApproval(ctx context.Context, d Decision) (domain.Approval, bool, error) {
	if err := validateStruct(d); err != nil {
		return domain.Approval{}, false, err
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.Approval{}, false, err
	}
	defer t.Rollback()

	a, err := e.Repo.GetApprovalTx(ctx, t.Tx, d.ApprovalID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if a.Resolved() {
		switch {
		case a.Status == domain.ApprovalMoot:
			return domain.Approval{}, false, domain.AlreadyResolved(a.ID, a.Status)
		case a.Status != d.Decision:
			return domain.Approval{}, false, domain.ConflictingDecision(a.ID, a.Status, d.Decision)
		case deref(a.Approver) != d.Approver:
			return domain.Approval{}, false, domain.AlreadyResolved(a.ID, a.Status)
		}
		return a, false, nil
	}
	if e.Config.Governance.EnforceAuthority {
		ok, err := e.Auth.ActorCanApprove(ctx, t.Tx, d.Approver, a.Role)
		if err != nil {
			return domain.Approval{}, false, err
		}
		if !ok {
			return domain.Approval{}, false, auth.ForbiddenRoleError{ActorID: d.Approver, Role: a.Role}
		}
	}
	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, a.UpdateID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if u.Terminal() {
		return domain.Approval{}, false, domain.AlreadyResolved(a.ID, u.Status)
	}
	now := e.stamp()
	ok, err := e.Repo.ResolveApprovalTx(ctx, t.Tx, a.ID, d.Decision, d.Approver, d.Comment, now)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if !ok {
		return domain.Approval{}, false, domain.AlreadyResolved(a.ID, "changed concurrently")
	}
	a.Status = d.Decision
	a.Approver = &d.Approver
	a.Comment = d.Comment
	a.DecidedAt = &now
	if err := t.emit(ctx, events.Record{
		Type:       events.ApprovalResolved,
		UpdateID:   a.UpdateID,
		EntityKind: "approval",
		EntityID:   a.ID,
		ActorID:    d.Approver,
		Payload: events.EventPayload{
			"decision":      d.Decision,
			"role":          a.Role,
			"work_order_id": a.WorkOrderID,
			"cycle":         a.Cycle,
		},
	}); err != nil {
		return domain.Approval{}, false, err
	}
	if d.Decision == domain.ApprovalRejected {
		if err := e.remediateTx(ctx, t, u, a, d.Approver); err != nil {
			return domain.Approval{}, false, err
		}
	}
	if err := t.commit(); err != nil {
		return domain.Approval{}, false, err
	}
	return a, true, nil
}

// remediateTx applies the configured remediation policy after a rejection.
func (e Engine) remediateTx(ctx context.Context, t *txn, u domain.RegulatoryUpdate, a domain.Approval, actorID string) error {
	w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, a.WorkOrderID)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("rejected by %s", a.Role)
	if e.Config.Governance.Remediation == config.RemediationCancel {
		if _, err := e.voidWorkOrderTx(ctx, t, w, reason, actorID); err != nil {
			return err
		}
		return e.cancelIfNoLiveWorkTx(ctx, t, u, actorID)
	}
	from := w.Status
	w.Status = domain.WorkOrderPending
	w.Remediation = true
	w.CompletedAt = nil
	w.UpdatedAt = e.stamp()
	if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
		return err
	}
	return t.emit(ctx, events.Record{
		Type:       events.WorkOrderRemediation,
		UpdateID:   w.UpdateID,
		EntityKind: "work_order",
		EntityID:   w.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": from, "reason": reason, "cycle": w.Cycle},
	})
}

// ResubmitWorkOrder closes a remediation cycle: it opens the next cycle with
// fresh pending approvals for every role whose current approval was rejected.
func (e Engine) ResubmitWorkOrder(ctx context.Context, workOrderID, actorID string) (domain.WorkOrder, []domain.Approval, error) {
	t, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, nil, err
	}
	defer t.Rollback()

	w, err := e.Repo.GetWorkOrderTx(ctx, t.Tx, workOrderID)
	if err != nil {
		return domain.WorkOrder{}, nil, err
	}
	if !w.Remediation || !w.Live() {
		return domain.WorkOrder{}, nil, &domain.Error{
			Kind:    domain.KindInvalidTransition,
			Entity:  "work order",
			ID:      w.ID,
			Message: fmt.Sprintf("work order %s is not awaiting remediation", w.ID),
		}
	}
	current, err := e.Repo.ListApprovalsTx(ctx, t.Tx, repo.ApprovalFilters{WorkOrderID: w.ID, CurrentOnly: true})
	if err != nil {
		return domain.WorkOrder{}, nil, err
	}
	var rejected []string
	for _, a := range current {
		if a.Status == domain.ApprovalRejected {
			rejected = append(rejected, a.Role)
		}
	}
	w.Cycle++
	w.Remediation = false
	w.UpdatedAt = e.stamp()
	if err := e.Repo.SaveWorkOrderTx(ctx, t.Tx, w); err != nil {
		return domain.WorkOrder{}, nil, err
	}
	var created []domain.Approval
	for _, role := range rejected {
		a, err := e.createApprovalTx(ctx, t, w, role, actorID)
		if err != nil {
			return domain.WorkOrder{}, nil, err
		}
		created = append(created, a)
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.WorkOrderResubmitted,
		UpdateID:   w.UpdateID,
		EntityKind: "work_order",
		EntityID:   w.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"cycle": w.Cycle, "roles": strings.Join(rejected, ",")},
	}); err != nil {
		return domain.WorkOrder{}, nil, err
	}
	if err := t.commit(); err != nil {
		return domain.WorkOrder{}, nil, err
	}
	return w, created, nil
}

// GrantApprover gives actorID authority to sign for role.
func (e Engine) GrantApprover(ctx context.Context, actorID, role, grantedBy string) (domain.ApproverGrant, error) {
	if actorID == "" {
		return domain.ApproverGrant{}, domain.Validation("actor is required")
	}
	if !e.Config.RequiresRole(role) {
		return domain.ApproverGrant{}, domain.Validation("role %q is not a governance role", role)
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.ApproverGrant{}, err
	}
	defer t.Rollback()

	g := domain.ApproverGrant{ActorID: actorID, Role: role, GrantedBy: grantedBy, GrantedAt: e.stamp()}
	if err := e.Repo.GrantApproverRole(ctx, t.Tx, g); err != nil {
		return domain.ApproverGrant{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.ApproverGranted,
		EntityKind: "approver",
		EntityID:   actorID,
		ActorID:    grantedBy,
		Payload:    events.EventPayload{"role": role},
	}); err != nil {
		return domain.ApproverGrant{}, err
	}
	if err := t.commit(); err != nil {
		return domain.ApproverGrant{}, err
	}
	return g, nil
}

func (e Engine) RevokeApprover(ctx context.Context, actorID, role, revokedBy string) error {
	t, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()

	ok, err := e.Repo.RevokeApproverRole(ctx, t.Tx, actorID, role)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound("approver grant", actorID+"/"+role)
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.ApproverRevoked,
		EntityKind: "approver",
		EntityID:   actorID,
		ActorID:    revokedBy,
		Payload:    events.EventPayload{"role": role},
	}); err != nil {
		return err
	}
	return t.commit()
}
