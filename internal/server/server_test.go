package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/events"
	"complyline/internal/migrate"
	"complyline/internal/orchestrator"
	"complyline/internal/telemetry"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, tweak ...func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("op-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, events.NewBus())
	orch := orchestrator.New(e, orchestrator.Options{})
	scfg := Config{
		Orchestrator: orch,
		BasePath:     "/v0",
		Auth:         AuthConfig{AllowLegacyActorHeader: true, JWTSecret: "test-secret"},
		Metrics:      telemetry.NewMetrics(),
	}
	for _, fn := range tweak {
		fn(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			orch.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["Authorization"]; !ok {
		req.Header.Set("X-Actor-Id", "planner-1")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func registerAircraft(t *testing.T, srv *testServer, reg, typ string) domain.Aircraft {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/aircraft", map[string]any{
		"registration":  reg,
		"type":          typ,
		"serial_number": "SN-" + reg,
		"flight_hours":  12000.5,
		"cycles":        8000,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", reg, res.StatusCode, string(data))
	}
	var a domain.Aircraft
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal aircraft: %v", err)
	}
	return a
}

// ingestAndProcess ingests an AD for typ and runs it up to pending approval.
func ingestAndProcess(t *testing.T, srv *testServer, adNumber, typ string) domain.RegulatoryUpdate {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/updates", map[string]any{
		"ad_number":           adNumber,
		"source":              "FAA",
		"title":               "Wing spar inspection",
		"aircraft_type":       typ,
		"mandatory_action":    "Inspect wing spar attach fittings for cracking",
		"compliance_deadline": "2099-03-01",
		"priority":            "high",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	var u domain.RegulatoryUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if u.Status != domain.UpdateNew {
		t.Fatalf("expected new, got %s", u.Status)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/updates/"+u.ID+"/process", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal processed: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/updates/"+u.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get update: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	return u
}

func listApprovals(t *testing.T, srv *testServer, query string) []domain.Approval {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/approvals?"+query, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Approval
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	return items
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{"Authorization": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyActorHeader = false })
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/aircraft", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{
		"actor_id": "inspector-7",
		"roles":    []string{"Safety Engineer"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token: %d %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "inspector-7" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestComplianceFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerAircraft(t, srv, "N801AA", "B737-800")
	registerAircraft(t, srv, "N802AA", "B737-800")
	registerAircraft(t, srv, "N320EU", "A320")

	u := ingestAndProcess(t, srv, "FAA-AD-2025-001", "B737-800")
	if u.Status != domain.UpdatePendingApproval {
		t.Fatalf("expected pending_approval after processing, got %s", u.Status)
	}
	if u.AffectedAircraft != 2 {
		t.Fatalf("expected 2 affected aircraft, got %d", u.AffectedAircraft)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-orders?update_id="+u.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list work orders: %d %s", res.StatusCode, string(data))
	}
	var wos []domain.WorkOrder
	if err := json.Unmarshal(data, &wos); err != nil {
		t.Fatalf("unmarshal work orders: %v", err)
	}
	if len(wos) != 2 {
		t.Fatalf("expected 2 work orders, got %d", len(wos))
	}

	pending := listApprovals(t, srv, "update_id="+u.ID+"&status=pending")
	if len(pending) != 6 {
		t.Fatalf("expected 6 pending approvals, got %d", len(pending))
	}

	for _, w := range wos {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-orders/"+w.ID+"/start", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("start %s: %d %s", w.ID, res.StatusCode, string(data))
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-orders/"+w.ID+"/complete", map[string]any{
			"flight_hours": 12010.0,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete %s: %d %s", w.ID, res.StatusCode, string(data))
		}
	}

	for _, a := range pending {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+a.ID+"/decision", map[string]any{
			"decision": "approved",
		}, map[string]string{"X-Actor-Id": "signer-" + strings.ReplaceAll(a.Role, " ", "-")})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("approve %s: %d %s", a.ID, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/updates/"+u.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get update: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if u.Status != domain.UpdateAudited {
		t.Fatalf("expected audited, got %s", u.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/updates/"+u.ID+"/audit-package", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit package: %d %s", res.StatusCode, string(data))
	}
	var pkg domain.AuditPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		t.Fatalf("unmarshal package: %v", err)
	}
	if pkg.Status != domain.PackageReady {
		t.Fatalf("expected ready package, got %s (missing %v)", pkg.Status, pkg.MissingKinds)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/audit-packages/"+pkg.ID+"/export", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var ref domain.ArtifactRef
	if err := json.Unmarshal(data, &ref); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	if !strings.HasPrefix(ref.URI, "audit://packages/"+pkg.ID+"/") {
		t.Fatalf("unexpected artifact uri %s", ref.URI)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/audit-packages/"+pkg.ID+"/export", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-export: %d %s", res.StatusCode, string(data))
	}
	var again domain.ArtifactRef
	_ = json.Unmarshal(data, &again)
	if again.Digest != ref.Digest || again.URI != ref.URI {
		t.Fatalf("re-export changed artifact: %+v vs %+v", again, ref)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit-packages/"+pkg.ID+"/manifest", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manifest: %d %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Complyline-Digest") != ref.Digest {
		t.Fatalf("manifest digest header %q, want %q", res.Header.Get("X-Complyline-Digest"), ref.Digest)
	}
	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("manifest is not json: %v", err)
	}
	if _, ok := manifest["trail"]; !ok {
		t.Fatalf("manifest missing trail: %s", string(data))
	}
}

func TestSubmitApprovalConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerAircraft(t, srv, "N901DL", "A321")
	u := ingestAndProcess(t, srv, "EASA-AD-2025-0042", "A321")
	pending := listApprovals(t, srv, "update_id="+u.ID+"&status=pending")
	if len(pending) == 0 {
		t.Fatalf("expected pending approvals")
	}
	target := pending[0]
	url := srv.URL + "/v0/approvals/" + target.ID + "/decision"
	alice := map[string]string{"X-Actor-Id": "alice"}

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"decision": "approved"}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"decision": "approved"}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat approve should be a no-op: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"decision": "rejected"}, alice)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflicting_decision" {
		t.Fatalf("expected conflicting_decision, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"decision": "approved"}, map[string]string{"X-Actor-Id": "bob"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_resolved" {
		t.Fatalf("expected already_resolved, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/missing/decision", map[string]any{"decision": "approved"}, alice)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestCancelUpdateMootsApprovals(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerAircraft(t, srv, "N100ZZ", "E175")
	u := ingestAndProcess(t, srv, "FAA-AD-2025-0100", "E175")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/updates/"+u.ID+"/cancel", map[string]any{
		"reason": "superseded by FAA-AD-2025-0101",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Status != domain.UpdateCancelled {
		t.Fatalf("expected cancelled, got %s", u.Status)
	}
	if len(listApprovals(t, srv, "update_id="+u.ID+"&status=pending")) != 0 {
		t.Fatalf("expected no pending approvals after cancellation")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/updates/"+u.ID+"/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/updates/"+u.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition on second cancel, got %d %s", res.StatusCode, string(data))
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/aircraft", map[string]any{
		"registration":  "N1",
		"type":          "B737-800",
		"serial_number": "SN1",
		"flight_hours":  -5,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("expected validation_failed, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/updates", map[string]any{
		"ad_number":           "FAA-AD-X",
		"source":              "FAA",
		"title":               "Bad deadline",
		"compliance_deadline": "03/01/2025",
		"priority":            "high",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad deadline, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/updates/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, reg := range []string{"N1AA", "N2AA", "N3AA"} {
		registerAircraft(t, srv, reg, "ATR72")
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %d items cursor %q", len(page.Items), page.NextCursor)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected a final page of 1, got %d cursor %q", len(next.Items), next.NextCursor)
	}
	if next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("pages overlap: %d after %d", next.Items[0].ID, page.Items[1].ID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 1} })
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != "rate_limited" {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, string(data))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerAircraft(t, srv, "N5MX", "B787-9")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	if !bytes.Contains(data, []byte("complyline_http_requests_total")) {
		t.Fatalf("expected http request counter in metrics output")
	}
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, map[string]string{"Authorization": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("expected bearerAuth scheme, got %v", doc.Components.SecuritySchemes)
	}
	if _, ok := doc.Paths["/v0/approvals/{approval_id}/decision"]; !ok {
		t.Fatalf("expected approval decision path in document")
	}
}

func TestWorkOrderActionsWithoutBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerAircraft(t, srv, "N901AA", "A321")
	registerAircraft(t, srv, "N902AA", "A321")
	u := ingestAndProcess(t, srv, "EASA-AD-2025-0901", "A321")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-orders?update_id="+u.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list work orders: %d %s", res.StatusCode, string(data))
	}
	var wos []domain.WorkOrder
	if err := json.Unmarshal(data, &wos); err != nil {
		t.Fatalf("unmarshal work orders: %v", err)
	}
	if len(wos) != 2 {
		t.Fatalf("expected 2 work orders, got %d", len(wos))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-orders/"+wos[0].ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete without body: %d %s", res.StatusCode, string(data))
	}
	var done domain.WorkOrder
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal work order: %v", err)
	}
	if done.Status != domain.WorkOrderCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-orders/"+wos[1].ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel without body: %d %s", res.StatusCode, string(data))
	}
	var cancelled domain.WorkOrder
	if err := json.Unmarshal(data, &cancelled); err != nil {
		t.Fatalf("unmarshal work order: %v", err)
	}
	if cancelled.Status != domain.WorkOrderCancelled || cancelled.CancelReason == nil || *cancelled.CancelReason != "cancelled" {
		t.Fatalf("unexpected cancelled work order %+v", cancelled)
	}
}

func TestAircraftStatusIsNotWritable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	a := registerAircraft(t, srv, "N777QQ", "B777")
	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/aircraft/"+a.ID+"/status", map[string]any{"status": "grounded"}, nil)
	if res.StatusCode < 400 {
		t.Fatalf("expected status write to be rejected, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/aircraft/"+a.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get aircraft: %d %s", res.StatusCode, string(data))
	}
	var got domain.Aircraft
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal aircraft: %v", err)
	}
	if got.Status != domain.AircraftOperational {
		t.Fatalf("expected aircraft to stay operational, got %s", got.Status)
	}
}
