package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/engine"
	"complyline/internal/events"
	"complyline/internal/migrate"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	var k keyedMutex
	unlockA := k.lock("a")
	unlockB := k.lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := k.lock("a")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder of the same key should wait")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	unlockB()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

func TestRevisionWaitsForUpdateLock(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	o := New(engine.New(conn, config.Default("op-1"), events.NewBus()), Options{})
	t.Cleanup(o.Close)

	in := engine.UpdateInput{
		ADNumber:           "FAA-AD-2025-077",
		Source:             "FAA",
		Title:              "Flap track inspection",
		AircraftType:       "B737-800",
		MandatoryAction:    "Inspect flap tracks",
		ComplianceDeadline: "2025-03-01",
		Priority:           "high",
		ActorID:            "feed",
	}
	u, created, err := o.CreateOrUpdateRegulatoryUpdate(ctx, in)
	require.NoError(t, err)
	require.True(t, created)

	unlock := o.locks.lock(u.ID)
	revised := make(chan error, 1)
	go func() {
		rev := in
		rev.MandatoryAction = "Inspect flap tracks and carriage rollers"
		_, _, err := o.CreateOrUpdateRegulatoryUpdate(ctx, rev)
		revised <- err
	}()
	select {
	case <-revised:
		unlock()
		t.Fatal("revision ran while the update was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case err := <-revised:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("revision did not finish after the update lock was released")
	}

	got, err := o.engine.Repo.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Inspect flap tracks and carriage rollers", got.MandatoryAction)
}
