// Package orchestrator drives regulatory updates through the compliance
// pipeline. It is the only caller of the engine's mutating operations: each
// operation runs under a per-update lock, and the change events it commits
// mark the update for re-evaluation once the lock is released.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/events"
	"complyline/internal/telemetry"
)

const systemActor = "orchestrator"

type Options struct {
	Parser  Parser
	Impact  ImpactAnalyzer
	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
}

type Orchestrator struct {
	engine  engine.Engine
	parser  Parser
	impact  ImpactAnalyzer
	log     zerolog.Logger
	metrics *telemetry.Metrics
	retry   retryPolicy

	locks keyedMutex

	mu    sync.Mutex
	dirty map[string]struct{}

	unsubscribe func()
	wg          sync.WaitGroup
}

// New wires an orchestrator to e. The engine must carry the bus the
// orchestrator subscribes to.
func New(e engine.Engine, opts Options) *Orchestrator {
	if e.Bus == nil {
		e.Bus = events.NewBus()
	}
	o := &Orchestrator{
		engine:  e,
		parser:  opts.Parser,
		impact:  opts.Impact,
		log:     zerolog.Nop(),
		metrics: opts.Metrics,
		dirty:   map[string]struct{}{},
	}
	if opts.Logger != nil {
		o.log = telemetry.Component(*opts.Logger, "orchestrator")
	}
	if o.parser == nil {
		o.parser = FieldParser{}
	}
	if o.impact == nil {
		o.impact = FleetImpact{Repo: e.Repo}
	}
	o.retry = retryPolicy{attempts: 5}
	if e.Config != nil {
		if n := e.Config.Collaborators.Retry.MaxAttempts; n > 0 {
			o.retry.attempts = uint(n)
		}
		o.retry.initial, o.retry.max = e.Config.RetryIntervals()
	}
	o.unsubscribe = e.Bus.Subscribe(o.observe)
	return o
}

// Engine exposes the underlying engine for read paths.
func (o *Orchestrator) Engine() engine.Engine {
	return o.engine
}

// Close stops observing events and waits for background processing.
func (o *Orchestrator) Close() {
	o.unsubscribe()
	o.wg.Wait()
}

// observe runs after every commit.
func (o *Orchestrator) observe(evt domain.Event) {
	o.metrics.Event(evt.Type)
	switch evt.Type {
	case events.UpdateTransitioned:
		var p struct{ From, To string }
		if json.Unmarshal([]byte(evt.Payload), &p) == nil {
			o.metrics.Transition(p.From, p.To)
		}
	case events.UpdateCancelled:
		var p struct{ From string }
		if json.Unmarshal([]byte(evt.Payload), &p) == nil {
			o.metrics.Transition(p.From, domain.UpdateCancelled)
		}
	case events.AuditExported:
		o.metrics.AuditExported()
	}
	if evt.UpdateID == "" {
		return
	}
	o.mu.Lock()
	o.dirty[evt.UpdateID] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) takeDirty() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.dirty))
	for id := range o.dirty {
		ids = append(ids, id)
	}
	clear(o.dirty)
	return ids
}

// drain re-evaluates every dirty update until no automatic step applies.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		ids := o.takeDirty()
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			if err := o.advance(ctx, id); err != nil {
				o.log.Error().Err(err).Str("update_id", id).Msg("advance failed")
			}
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, updateID string) error {
	unlock := o.locks.lock(updateID)
	defer unlock()
	for {
		progressed, err := o.engine.Advance(ctx, updateID, systemActor)
		if err != nil || !progressed {
			return err
		}
	}
}

// withUpdate runs fn under the update's lock and drains afterwards.
func (o *Orchestrator) withUpdate(ctx context.Context, updateID string, fn func() error) error {
	unlock := o.locks.lock(updateID)
	err := fn()
	unlock()
	o.drain(ctx)
	return err
}

// Advance re-evaluates an update and fires every transition whose trigger holds.
func (o *Orchestrator) Advance(ctx context.Context, updateID string) (domain.RegulatoryUpdate, error) {
	if err := o.advance(ctx, updateID); err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	o.drain(ctx)
	return o.engine.Repo.GetUpdate(ctx, updateID)
}

// CreateOrUpdateRegulatoryUpdate ingests one feed entry. The AD number lock
// serialises creation; a revision also holds the existing update's lock since
// it rewrites that update's work orders.
func (o *Orchestrator) CreateOrUpdateRegulatoryUpdate(ctx context.Context, in engine.UpdateInput) (domain.RegulatoryUpdate, bool, error) {
	var (
		u       domain.RegulatoryUpdate
		created bool
	)
	err := o.withUpdate(ctx, "ad:"+in.ADNumber, func() error {
		existing, err := o.engine.Repo.GetUpdateByAD(ctx, in.ADNumber)
		switch {
		case err == nil:
			unlock := o.locks.lock(existing.ID)
			defer unlock()
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		u, created, err = o.engine.UpsertUpdate(ctx, in)
		return err
	})
	if err != nil {
		return domain.RegulatoryUpdate{}, false, err
	}
	if created {
		o.log.Info().Str("update_id", u.ID).Str("ad_number", u.ADNumber).Str("priority", u.Priority).Msg("regulatory update received")
	}
	return u, created, nil
}

// OnParsed accepts the requirement produced by ingestion.
func (o *Orchestrator) OnParsed(ctx context.Context, updateID string, req domain.Requirement) (domain.RegulatoryUpdate, error) {
	err := o.withUpdate(ctx, updateID, func() error {
		_, err := o.engine.RecordRequirement(ctx, updateID, req, systemActor)
		return err
	})
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return o.engine.Repo.GetUpdate(ctx, updateID)
}

// OnImpactComputed accepts the affected aircraft set from impact analysis.
func (o *Orchestrator) OnImpactComputed(ctx context.Context, updateID string, aircraftIDs []string) (domain.RegulatoryUpdate, error) {
	err := o.withUpdate(ctx, updateID, func() error {
		_, err := o.engine.ApplyImpact(ctx, updateID, aircraftIDs, systemActor)
		return err
	})
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	return o.engine.Repo.GetUpdate(ctx, updateID)
}

// OnWorkCompleted records finished maintenance on a work order.
func (o *Orchestrator) OnWorkCompleted(ctx context.Context, c engine.WorkCompletion) (domain.WorkOrder, error) {
	w, err := o.engine.Repo.GetWorkOrder(ctx, c.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	err = o.withUpdate(ctx, w.UpdateID, func() error {
		w, err = o.engine.CompleteWork(ctx, c)
		return err
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	o.log.Info().Str("work_order_id", w.ID).Str("aircraft", w.Registration).Str("ad_number", w.ADNumber).Msg("work completed")
	return w, nil
}

func (o *Orchestrator) StartWork(ctx context.Context, workOrderID, actorID string) (domain.WorkOrder, error) {
	return o.onWorkOrder(ctx, workOrderID, func() (domain.WorkOrder, error) {
		return o.engine.StartWork(ctx, workOrderID, actorID)
	})
}

func (o *Orchestrator) PlanWorkOrder(ctx context.Context, p engine.WorkOrderPlan) (domain.WorkOrder, error) {
	return o.onWorkOrder(ctx, p.ID, func() (domain.WorkOrder, error) {
		return o.engine.PlanWorkOrder(ctx, p)
	})
}

func (o *Orchestrator) CancelWorkOrder(ctx context.Context, workOrderID, reason, actorID string) (domain.WorkOrder, error) {
	return o.onWorkOrder(ctx, workOrderID, func() (domain.WorkOrder, error) {
		return o.engine.CancelWorkOrder(ctx, workOrderID, reason, actorID)
	})
}

// ResubmitWorkOrder opens the next approval cycle of a remediated work order.
func (o *Orchestrator) ResubmitWorkOrder(ctx context.Context, workOrderID, actorID string) (domain.WorkOrder, []domain.Approval, error) {
	var created []domain.Approval
	w, err := o.onWorkOrder(ctx, workOrderID, func() (domain.WorkOrder, error) {
		w, approvals, err := o.engine.ResubmitWorkOrder(ctx, workOrderID, actorID)
		created = approvals
		return w, err
	})
	return w, created, err
}

func (o *Orchestrator) onWorkOrder(ctx context.Context, workOrderID string, fn func() (domain.WorkOrder, error)) (domain.WorkOrder, error) {
	w, err := o.engine.Repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	err = o.withUpdate(ctx, w.UpdateID, func() error {
		w, err = fn()
		return err
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// SubmitApproval records an approver's decision.
func (o *Orchestrator) SubmitApproval(ctx context.Context, d engine.Decision) (domain.Approval, error) {
	a, err := o.engine.Repo.GetApproval(ctx, d.ApprovalID)
	if err != nil {
		o.metrics.ApprovalSubmitted(d.Decision, string(domain.KindNotFound))
		return domain.Approval{}, err
	}
	var changed bool
	err = o.withUpdate(ctx, a.UpdateID, func() error {
		var err error
		a, changed, err = o.engine.SubmitApproval(ctx, d)
		return err
	})
	outcome := "recorded"
	switch {
	case err != nil:
		outcome = string(domain.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	case !changed:
		outcome = "unchanged"
	}
	o.metrics.ApprovalSubmitted(d.Decision, outcome)
	if err != nil {
		return domain.Approval{}, err
	}
	if changed {
		o.log.Info().Str("approval_id", a.ID).Str("role", a.Role).Str("decision", a.Status).Str("approver", d.Approver).Msg("approval recorded")
	}
	return a, nil
}

// CancelUpdate withdraws an update and cascades to its work orders.
func (o *Orchestrator) CancelUpdate(ctx context.Context, updateID, reason, actorID string) (domain.RegulatoryUpdate, error) {
	var u domain.RegulatoryUpdate
	err := o.withUpdate(ctx, updateID, func() error {
		var err error
		u, err = o.engine.CancelUpdate(ctx, updateID, reason, actorID)
		return err
	})
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	o.log.Info().Str("update_id", u.ID).Str("ad_number", u.ADNumber).Str("reason", deref(u.CancelReason)).Msg("regulatory update cancelled")
	return u, nil
}

func (o *Orchestrator) AttachDocument(ctx context.Context, in engine.DocumentInput) (bool, error) {
	var added bool
	err := o.withUpdate(ctx, in.UpdateID, func() error {
		var err error
		added, err = o.engine.AttachDocument(ctx, in)
		return err
	})
	return added, err
}

// EvaluateAudit compiles the audit package of an update on demand.
func (o *Orchestrator) EvaluateAudit(ctx context.Context, updateID string) (domain.AuditPackage, error) {
	var p domain.AuditPackage
	err := o.withUpdate(ctx, updateID, func() error {
		var err error
		p, err = o.engine.EvaluateAudit(ctx, updateID, systemActor)
		return err
	})
	if err != nil {
		return domain.AuditPackage{}, err
	}
	return p, nil
}

// ExportAudit exports a ready audit package.
func (o *Orchestrator) ExportAudit(ctx context.Context, packageID, actorID string) (domain.ArtifactRef, error) {
	p, err := o.engine.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	var ref domain.ArtifactRef
	err = o.withUpdate(ctx, p.UpdateID, func() error {
		ref, err = o.engine.ExportAudit(ctx, packageID, actorID)
		return err
	})
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	return ref, nil
}

func (o *Orchestrator) RegisterAircraft(ctx context.Context, in engine.AircraftInput) (domain.Aircraft, error) {
	return o.engine.RegisterAircraft(ctx, in)
}

func (o *Orchestrator) DeleteAircraft(ctx context.Context, id, actorID string) error {
	return o.engine.DeleteAircraft(ctx, id, actorID)
}

func (o *Orchestrator) GrantApprover(ctx context.Context, actorID, role, grantedBy string) (domain.ApproverGrant, error) {
	return o.engine.GrantApprover(ctx, actorID, role, grantedBy)
}

func (o *Orchestrator) RevokeApprover(ctx context.Context, actorID, role, revokedBy string) error {
	return o.engine.RevokeApprover(ctx, actorID, role, revokedBy)
}

// isCollaboratorFailure reports whether err came from a collaborator.
func isCollaboratorFailure(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
