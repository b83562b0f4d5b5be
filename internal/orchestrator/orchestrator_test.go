package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/events"
	"complyline/internal/migrate"
	"complyline/internal/orchestrator"
	"complyline/internal/repo"
	"complyline/internal/telemetry"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default("op-1")
	cfg.Collaborators.Retry.MaxAttempts = 3
	cfg.Collaborators.Retry.InitialInterval = "1ms"
	cfg.Collaborators.Retry.MaxInterval = "2ms"
	return engine.New(conn, cfg, events.NewBus())
}

func newOrchestrator(t *testing.T, e engine.Engine, opts orchestrator.Options) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(e, opts)
	t.Cleanup(o.Close)
	return o
}

func seedFleet(t *testing.T, o *orchestrator.Orchestrator) {
	t.Helper()
	ctx := context.Background()
	for _, in := range []engine.AircraftInput{
		{Registration: "N101", Type: "B737-800", SerialNumber: "30001"},
		{Registration: "N102", Type: "B737-800", SerialNumber: "30002"},
		{Registration: "N201", Type: "A320", SerialNumber: "4001"},
	} {
		_, err := o.RegisterAircraft(ctx, in)
		require.NoError(t, err)
	}
}

func ingest(t *testing.T, o *orchestrator.Orchestrator, ad, acType string) domain.RegulatoryUpdate {
	t.Helper()
	u, created, err := o.CreateOrUpdateRegulatoryUpdate(context.Background(), engine.UpdateInput{
		ADNumber:           ad,
		Source:             "FAA",
		Title:              "Wing spar inspection",
		AircraftType:       acType,
		MandatoryAction:    "Inspect wing spar for cracks",
		ComplianceDeadline: "2025-03-01",
		Priority:           "critical",
		ActorID:            "feed",
	})
	require.NoError(t, err)
	require.True(t, created)
	return u
}

func TestProcessRunsUpdateToPendingApproval(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	o := newOrchestrator(t, e, orchestrator.Options{})
	seedFleet(t, o)
	u := ingest(t, o, "FAA-AD-2025-001", "B737-800")
	assert.Equal(t, domain.UpdateNew, u.Status)

	u, err := o.Process(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdatePendingApproval, u.Status)
	assert.Equal(t, 2, u.AffectedAircraft)

	wos, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{UpdateID: u.ID})
	require.NoError(t, err)
	require.Len(t, wos, 2)
	for _, w := range wos {
		assert.Equal(t, "critical", w.Priority)
		assert.Equal(t, "2025-03-01", w.DueDate)
	}
	approvals, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{UpdateID: u.ID, Status: domain.ApprovalPending})
	require.NoError(t, err)
	assert.Len(t, approvals, 6)

	again, err := o.Process(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdatePendingApproval, again.Status, "processing a settled update is a no-op")
}

func TestOrchestratedLifecycleReachesAudited(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	o := newOrchestrator(t, e, orchestrator.Options{})
	seedFleet(t, o)
	u := ingest(t, o, "FAA-AD-2025-002", "A320")
	u, err := o.Process(ctx, u.ID)
	require.NoError(t, err)

	wos, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{UpdateID: u.ID})
	require.NoError(t, err)
	require.Len(t, wos, 1)
	_, err = o.StartWork(ctx, wos[0].ID, "tech")
	require.NoError(t, err)
	_, err = o.OnWorkCompleted(ctx, engine.WorkCompletion{WorkOrderID: wos[0].ID, CertificateRef: "cert://n201", ActorID: "tech"})
	require.NoError(t, err)

	pkg, err := e.Repo.GetPackageByUpdate(ctx, u.ID)
	require.NoError(t, err, "completing the last work order compiles the package")
	assert.Equal(t, domain.PackageCompiling, pkg.Status)

	approvals, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{UpdateID: u.ID, Status: domain.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, approvals, 3)
	for _, a := range approvals[:2] {
		_, err := o.SubmitApproval(ctx, engine.Decision{ApprovalID: a.ID, Decision: domain.ApprovalApproved, Approver: "signer"})
		require.NoError(t, err)
	}

	pkg, err = e.Repo.GetPackageByUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PackageCompiling, pkg.Status)
	assert.Equal(t, 2, pkg.Signoffs)
	assert.Equal(t, 3, pkg.TotalSignoffs)
	u, err = e.Repo.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdatePendingApproval, u.Status)

	_, err = o.SubmitApproval(ctx, engine.Decision{ApprovalID: approvals[2].ID, Decision: domain.ApprovalApproved, Approver: "signer"})
	require.NoError(t, err)

	pkg, err = e.Repo.GetPackageByUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PackageReady, pkg.Status, "the third approval promotes the package without a manual trigger")
	assert.Equal(t, 3, pkg.Signoffs)
	u, err = e.Repo.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateAudited, u.Status)
	require.NotNil(t, u.AuditedAt)
	ref, err := o.ExportAudit(ctx, pkg.ID, "auditor")
	require.NoError(t, err)
	assert.Contains(t, ref.URI, "audit://packages/"+pkg.ID+"/")

	again, err := o.ExportAudit(ctx, pkg.ID, "auditor")
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestParserRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	var calls atomic.Int32
	parser := orchestrator.ParserFunc(func(ctx context.Context, u domain.RegulatoryUpdate) (domain.Requirement, error) {
		if calls.Add(1) < 3 {
			return domain.Requirement{}, errors.New("feed unavailable")
		}
		return orchestrator.FieldParser{}.Parse(ctx, u)
	})
	metrics := telemetry.NewMetrics()
	o := newOrchestrator(t, e, orchestrator.Options{Parser: parser, Metrics: metrics})
	seedFleet(t, o)
	u := ingest(t, o, "AD-RETRY", "B737-800")

	u, err := o.Process(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, domain.UpdatePendingApproval, u.Status)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	var attempts float64
	for _, mf := range families {
		if mf.GetName() != "complyline_collaborator_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			attempts += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(4), attempts, "three parser attempts plus one impact call")
}

func TestCollaboratorFailureLeavesUpdateInPlace(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	var calls atomic.Int32
	impact := orchestrator.ImpactFunc(func(context.Context, domain.RegulatoryUpdate, domain.Requirement) ([]string, error) {
		calls.Add(1)
		return nil, errors.New("fleet service down")
	})
	o := newOrchestrator(t, e, orchestrator.Options{Impact: impact})
	seedFleet(t, o)
	u := ingest(t, o, "AD-DOWN", "B737-800")

	_, err := o.Process(ctx, u.ID)
	var ce *orchestrator.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "impact", ce.Collaborator)
	assert.Equal(t, u.ID, ce.UpdateID)
	assert.Equal(t, int32(3), calls.Load())

	u, err = e.Repo.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateAnalyzing, u.Status)
}

func TestTypedCollaboratorErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	var calls atomic.Int32
	parser := orchestrator.ParserFunc(func(context.Context, domain.RegulatoryUpdate) (domain.Requirement, error) {
		calls.Add(1)
		return domain.Requirement{}, domain.Validation("AD text is not machine readable")
	})
	o := newOrchestrator(t, e, orchestrator.Options{Parser: parser})
	u := ingest(t, o, "AD-BAD", "B737-800")

	_, err := o.Process(ctx, u.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, int32(1), calls.Load())

	u, err = e.Repo.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateNew, u.Status)
}

func TestEmptyFleetImpactCancels(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	o := newOrchestrator(t, e, orchestrator.Options{})
	seedFleet(t, o)
	u := ingest(t, o, "AD-777", "B777-300ER")

	u, err := o.Process(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateCancelled, u.Status)
	require.NotNil(t, u.CancelReason)
	assert.Equal(t, "no affected aircraft in fleet", *u.CancelReason)
}

func TestProcessAllReportsPerUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	impact := orchestrator.ImpactFunc(func(ctx context.Context, u domain.RegulatoryUpdate, req domain.Requirement) ([]string, error) {
		if u.ADNumber == "AD-FAIL" {
			return nil, errors.New("timeout")
		}
		return orchestrator.FleetImpact{Repo: e.Repo}.AffectedAircraft(ctx, u, req)
	})
	o := newOrchestrator(t, e, orchestrator.Options{Impact: impact})
	seedFleet(t, o)
	ingest(t, o, "AD-1", "B737-800")
	ingest(t, o, "AD-2", "A320")
	ingest(t, o, "AD-FAIL", "A320")

	results, err := o.ProcessAll(ctx, 2)
	require.Error(t, err)
	require.Len(t, results, 3)
	byAD := map[string]orchestrator.ProcessResult{}
	for _, r := range results {
		byAD[r.ADNumber] = r
	}
	assert.Equal(t, domain.UpdatePendingApproval, byAD["AD-1"].Status)
	assert.Empty(t, byAD["AD-1"].Error)
	assert.Equal(t, domain.UpdatePendingApproval, byAD["AD-2"].Status)
	assert.Equal(t, domain.UpdateAnalyzing, byAD["AD-FAIL"].Status)
	assert.Contains(t, byAD["AD-FAIL"].Error, "timeout")
}

func TestRejectionAndResubmitThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	metrics := telemetry.NewMetrics()
	o := newOrchestrator(t, e, orchestrator.Options{Metrics: metrics})
	seedFleet(t, o)
	u := ingest(t, o, "AD-REM", "A320")
	u, err := o.Process(ctx, u.ID)
	require.NoError(t, err)

	approvals, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{UpdateID: u.ID, Role: domain.RoleSafetyEngineer})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	rejected, err := o.SubmitApproval(ctx, engine.Decision{ApprovalID: approvals[0].ID, Decision: domain.ApprovalRejected, Approver: "safety"})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, rejected.Status)

	_, err = o.SubmitApproval(ctx, engine.Decision{ApprovalID: approvals[0].ID, Decision: domain.ApprovalApproved, Approver: "safety"})
	assert.ErrorIs(t, err, domain.ErrConflictingDecision)

	w, created, err := o.ResubmitWorkOrder(ctx, rejected.WorkOrderID, "planner")
	require.NoError(t, err)
	assert.Equal(t, 2, w.Cycle)
	require.Len(t, created, 1)
	assert.Equal(t, domain.RoleSafetyEngineer, created[0].Role)

	u, err = o.Advance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdatePendingApproval, u.Status)
}

func TestCancelUpdateThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	o := newOrchestrator(t, e, orchestrator.Options{})
	seedFleet(t, o)
	u := ingest(t, o, "AD-WD", "B737-800")
	u, err := o.Process(ctx, u.ID)
	require.NoError(t, err)

	u, err = o.CancelUpdate(ctx, u.ID, "", "planner")
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateCancelled, u.Status)
	assert.Equal(t, "withdrawn", *u.CancelReason)

	pending, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{UpdateID: u.ID, Status: domain.ApprovalPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = o.EvaluateAudit(ctx, u.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
