package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/domain"
	"complyline/internal/migrate"
	"complyline/internal/repo"
)

const stamp = "2025-01-15T09:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seed(t *testing.T, r repo.Repo) (domain.RegulatoryUpdate, domain.WorkOrder) {
	t.Helper()
	ctx := context.Background()
	u := domain.RegulatoryUpdate{
		ID: "u-1", ADNumber: "FAA-AD-2025-001", Source: "FAA", Title: "Wing spar inspection",
		AircraftType: "B737-800", ComplianceDeadline: "2025-03-01", Priority: "critical",
		Status: domain.UpdateImplementing, Revision: 1, CreatedAt: stamp, UpdatedAt: stamp,
	}
	a := domain.Aircraft{
		ID: "ac-1", Registration: "N101", Type: "B737-800", SerialNumber: "30001",
		Status: domain.AircraftOperational, CreatedAt: stamp, UpdatedAt: stamp,
	}
	w := domain.WorkOrder{
		ID: "wo-1", UpdateID: u.ID, AircraftID: a.ID, Description: "Inspect spar",
		Status: domain.WorkOrderPending, Priority: "critical", DueDate: "2025-03-01",
		Parts: []string{"P-100", "P-200"}, Cycle: 1, CreatedAt: stamp, UpdatedAt: stamp,
	}
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertAircraft(ctx, tx, a); err != nil {
			return err
		}
		if err := r.InsertUpdate(ctx, tx, u); err != nil {
			return err
		}
		if err := r.SetAffectedAircraftTx(ctx, tx, u.ID, []string{a.ID}); err != nil {
			return err
		}
		return r.InsertWorkOrder(ctx, tx, w)
	}))
	return u, w
}

func TestWorkOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	u, w := seed(t, r)

	got, err := r.GetWorkOrder(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-100", "P-200"}, got.Parts)
	assert.Equal(t, "N101", got.Registration)
	assert.Equal(t, u.ADNumber, got.ADNumber)

	stored, err := r.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AffectedAircraft)

	list, err := r.ListWorkOrders(ctx, repo.WorkOrderFilters{AircraftID: "ac-1", Status: domain.WorkOrderPending})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestForeignKeysAreChecked(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	u, _ := seed(t, r)

	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertWorkOrder(ctx, tx, domain.WorkOrder{
			ID: "wo-x", UpdateID: u.ID, AircraftID: "ghost", Description: "x",
			Status: domain.WorkOrderPending, Priority: "low", DueDate: "2025-03-01", Cycle: 1,
			CreatedAt: stamp, UpdatedAt: stamp,
		})
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertApproval(ctx, tx, domain.Approval{
			ID: "ap-x", WorkOrderID: "wo-1", UpdateID: "u-other", Role: "Safety Engineer",
			Cycle: 1, Status: domain.ApprovalPending, CreatedAt: stamp,
		})
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApprovalUniquenessPerCycle(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	u, w := seed(t, r)
	approval := func(id string, cycle int) domain.Approval {
		return domain.Approval{ID: id, WorkOrderID: w.ID, UpdateID: u.ID, Role: "Safety Engineer", Cycle: cycle, Status: domain.ApprovalPending, CreatedAt: stamp}
	}

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.InsertApproval(ctx, tx, approval("ap-1", 1)) }))
	err := inTx(t, r, func(tx *sql.Tx) error { return r.InsertApproval(ctx, tx, approval("ap-2", 1)) })
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ResolveApprovalTx(ctx, tx, "ap-1", domain.ApprovalRejected, "safety", nil, stamp)
		require.True(t, ok)
		if err != nil {
			return err
		}
		return r.InsertApproval(ctx, tx, approval("ap-3", 2))
	}))

	all, err := r.ListApprovals(ctx, repo.ApprovalFilters{WorkOrderID: w.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	current, err := r.ListApprovals(ctx, repo.ApprovalFilters{WorkOrderID: w.ID, CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "ap-3", current[0].ID)

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ResolveApprovalTx(ctx, tx, "ap-1", domain.ApprovalApproved, "other", nil, stamp)
		assert.False(t, ok, "resolved approvals are immutable")
		return err
	}))
}

func TestAircraftLookupAndFilters(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seed(t, r)

	byReg, err := r.GetAircraft(ctx, "N101")
	require.NoError(t, err)
	assert.Equal(t, "ac-1", byReg.ID)

	fleet, err := r.ListAircraft(ctx, repo.AircraftFilters{Type: "b737-800"})
	require.NoError(t, err)
	assert.Len(t, fleet, 1)

	_, err = r.GetAircraft(ctx, "N999")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertAircraft(ctx, tx, domain.Aircraft{ID: "ac-2", Registration: "N101", Type: "A320", SerialNumber: "1", Status: domain.AircraftOperational, CreatedAt: stamp, UpdatedAt: stamp})
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConfigStoredInSettings(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, err := r.GetConfig(ctx)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	in := config.Default("op-9")
	in.Governance.EnforceAuthority = true
	require.NoError(t, r.PutConfig(ctx, in))
	out, err := r.GetConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "op-9", out.Operator.ID)
	assert.True(t, out.Governance.EnforceAuthority)
}

func TestAPIKeysByHash(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	assert.Equal(t, repo.HashAPIKey("cl_secret"), repo.HashAPIKey("  cl_secret\n"))

	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k-1", ActorID: "alice", Name: "ci", KeyHash: repo.HashAPIKey("cl_secret"), CreatedAt: stamp}))
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("cl_secret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", key.ActorID)

	assert.ErrorIs(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k-2"}), domain.ErrValidation)
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("nope"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
