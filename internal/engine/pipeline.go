package engine

import (
	"context"
	"errors"

	"complyline/internal/domain"
	"complyline/internal/events"
	"complyline/internal/repo"
)

// nextStatus is the forward edge out of each non-terminal update status.
var nextStatus = map[string]string{
	domain.UpdateNew:             domain.UpdateParsing,
	domain.UpdateParsing:         domain.UpdateAnalyzing,
	domain.UpdateAnalyzing:       domain.UpdateImplementing,
	domain.UpdateImplementing:    domain.UpdateTesting,
	domain.UpdateTesting:         domain.UpdatePendingApproval,
	domain.UpdatePendingApproval: domain.UpdateDeployed,
	domain.UpdateDeployed:        domain.UpdateAudited,
}

// NextStatus returns the forward successor of status, or "".
func NextStatus(status string) string {
	return nextStatus[status]
}

func ensureUpdateTransition(u domain.RegulatoryUpdate, to string) error {
	if to == domain.UpdateCancelled && !u.Terminal() {
		return nil
	}
	if next, ok := nextStatus[u.Status]; ok && next == to {
		return nil
	}
	return domain.InvalidTransition("regulatory update", u.ID, u.Status, to)
}

// checkTransition reports IncompleteAggregate when the aggregate does not yet
// satisfy the trigger for entering status to.
func (e Engine) checkTransition(ctx context.Context, t *txn, u domain.RegulatoryUpdate, to string) error {
	switch to {
	case domain.UpdateParsing, domain.UpdateAnalyzing:
		req, err := e.Repo.GetRequirementTx(ctx, t.Tx, u.ID)
		if err != nil {
			return err
		}
		if req == nil {
			return domain.IncompleteAggregate("regulatory update", u.ID, "no requirement delivered for %s", u.ADNumber)
		}
		if to == domain.UpdateAnalyzing && !req.Complete() {
			return domain.IncompleteAggregate("regulatory update", u.ID, "requirement for %s lacks mandatory action or aircraft type", u.ADNumber)
		}
	case domain.UpdateImplementing, domain.UpdateTesting:
		affected, err := e.Repo.AffectedAircraftTx(ctx, t.Tx, u.ID)
		if err != nil {
			return err
		}
		if len(affected) == 0 {
			return domain.IncompleteAggregate("regulatory update", u.ID, "impact analysis for %s has not produced an affected set", u.ADNumber)
		}
		wos, err := e.Repo.ListWorkOrdersTx(ctx, t.Tx, repo.WorkOrderFilters{UpdateID: u.ID})
		if err != nil {
			return err
		}
		covered := map[string]bool{}
		for _, w := range wos {
			covered[w.AircraftID] = true
		}
		for _, id := range affected {
			if !covered[id] {
				return domain.IncompleteAggregate("regulatory update", u.ID, "aircraft %s has no work order", id)
			}
		}
	case domain.UpdatePendingApproval, domain.UpdateDeployed:
		g, err := e.gateTx(ctx, t, u.ID)
		if err != nil {
			return err
		}
		if g.WorkOrders == 0 {
			return domain.IncompleteAggregate("regulatory update", u.ID, "no live work orders")
		}
		if len(g.Missing) > 0 {
			return domain.IncompleteAggregate("regulatory update", u.ID, "%d approvals not yet instantiated", len(g.Missing))
		}
		if to == domain.UpdateDeployed && !g.Satisfied {
			return domain.IncompleteAggregate("regulatory update", u.ID, "approval gate open: %d of %d signed off", g.Approved, g.Required)
		}
	case domain.UpdateAudited:
		p, err := e.Repo.GetPackageByUpdateTx(ctx, t.Tx, u.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.IncompleteAggregate("regulatory update", u.ID, "no audit package compiled")
		}
		if err != nil {
			return err
		}
		if p.Status == domain.PackageCompiling {
			return domain.IncompleteAggregate("regulatory update", u.ID, "audit package %s still compiling", p.ID)
		}
	}
	return nil
}

// transitionTx moves u to status to after checking the edge and its trigger.
func (e Engine) transitionTx(ctx context.Context, t *txn, u domain.RegulatoryUpdate, to, actorID string) (domain.RegulatoryUpdate, error) {
	if err := ensureUpdateTransition(u, to); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if err := e.checkTransition(ctx, t, u, to); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	from := u.Status
	now := e.stamp()
	if err := e.Repo.SetUpdateStatusTx(ctx, t.Tx, u.ID, from, to, now, nil); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	u.Status = to
	u.UpdatedAt = now
	if to == domain.UpdateAudited {
		u.AuditedAt = &now
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.UpdateTransitioned,
		UpdateID:   u.ID,
		EntityKind: "regulatory_update",
		EntityID:   u.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": from, "to": to},
	}); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return u, nil
}

// Transition moves an update one step forward. Non-adjacent targets fail with
// InvalidTransition and unmet triggers with IncompleteAggregate. Cancellation
// goes through CancelUpdate.
func (e Engine) Transition(ctx context.Context, updateID, to, actorID string) (domain.RegulatoryUpdate, error) {
	if to == domain.UpdateCancelled {
		return e.CancelUpdate(ctx, updateID, "", actorID)
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	defer t.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, t.Tx, updateID)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u, err = e.transitionTx(ctx, t, u, to, actorID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if err := t.commit(); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return u, nil
}

// Advance performs at most one automatic step for an update: instantiating
// approvals, compiling the audit package, or firing the next transition whose
// trigger holds. It reports whether anything changed.
func (e Engine) Advance(ctx context.Context, updateID, actorID string) (bool, error) {
	u, err := e.Repo.GetUpdate(ctx, updateID)
	if err != nil {
		return false, err
	}
	if u.Terminal() {
		return false, nil
	}
	switch u.Status {
	case domain.UpdateTesting:
		n, err := e.InstantiateApprovals(ctx, u.ID, actorID)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	case domain.UpdatePendingApproval, domain.UpdateDeployed:
		_, changed, err := e.evaluateAudit(ctx, u.ID, actorID)
		if err != nil && !errors.Is(err, domain.ErrIncompleteAggregate) {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	next := NextStatus(u.Status)
	if next == "" || next == domain.UpdateParsing {
		return false, nil
	}
	if _, err := e.Transition(ctx, u.ID, next, actorID); err != nil {
		if errors.Is(err, domain.ErrIncompleteAggregate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
