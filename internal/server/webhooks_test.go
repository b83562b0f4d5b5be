package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/engine"
	"complyline/internal/events"
	"complyline/internal/migrate"
)

type delivery struct {
	header http.Header
	body   []byte
}

func TestWebhookDeliversFilteredSignedEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []delivery
		fail bool
	)
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		got = append(got, delivery{header: r.Header.Clone(), body: body})
	}))
	defer recv.Close()
	deliveries := func() []delivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]delivery(nil), got...)
	}

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("op-test"), events.NewBus())
	ctx := context.Background()

	if _, err := e.RegisterAircraft(ctx, engine.AircraftInput{Registration: "N001", Type: "B737-800", SerialNumber: "SN-1", ActorID: "planner"}); err != nil {
		t.Fatalf("register before hook: %v", err)
	}

	d := newWebhookDispatcher(e.Repo, []config.WebhookConfig{{URL: recv.URL, Events: []string{"aircraft.*"}, Secret: "s3cret"}}, zerolog.Nop())
	d.dispatchAll(ctx)
	if n := len(deliveries()); n != 0 {
		t.Fatalf("expected history not to be replayed, got %d deliveries", n)
	}

	if _, err := e.RegisterAircraft(ctx, engine.AircraftInput{Registration: "N002", Type: "B737-800", SerialNumber: "SN-2", ActorID: "planner"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := e.UpsertUpdate(ctx, engine.UpdateInput{
		ADNumber:           "FAA-AD-2025-001",
		Source:             "FAA",
		Title:              "Wing spar inspection",
		AircraftType:       "B737-800",
		MandatoryAction:    "Inspect wing spar for cracks",
		ComplianceDeadline: "2025-03-01",
		Priority:           "high",
		ActorID:            "feed",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	d.dispatchAll(ctx)
	if len(deliveries()) != 0 {
		t.Fatalf("expected failed delivery not to be recorded")
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	d.dispatchAll(ctx)
	got1 := deliveries()
	if len(got1) != 1 {
		t.Fatalf("expected one delivery after retry, got %d", len(got1))
	}
	first := got1[0]
	if first.header.Get("X-Complyline-Event") != events.AircraftRegistered {
		t.Fatalf("unexpected event header %q", first.header.Get("X-Complyline-Event"))
	}
	if sig := first.header.Get("X-Complyline-Signature"); sig != "sha256="+signPayload("s3cret", first.body) {
		t.Fatalf("signature mismatch: %s", sig)
	}
	var evt webhookEvent
	if err := json.Unmarshal(first.body, &evt); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if evt.EntityKind != "aircraft" || evt.ActorID != "planner" {
		t.Fatalf("unexpected delivered event %+v", evt)
	}

	d.dispatchAll(ctx)
	if n := len(deliveries()); n != 1 {
		t.Fatalf("expected cursor to advance past delivered events, got %d deliveries", n)
	}
}

func TestEventFilterFamilies(t *testing.T) {
	f := newEventFilter([]string{"approval.*", "audit.exported", " "})
	cases := map[string]bool{
		"approval.resolved": true,
		"approval.mooted":   true,
		"audit.exported":    true,
		"audit.compiled":    false,
		"update.created":    false,
	}
	for evt, want := range cases {
		if f.match(evt) != want {
			t.Fatalf("match(%q) = %v, want %v", evt, !want, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match every event")
	}
}
