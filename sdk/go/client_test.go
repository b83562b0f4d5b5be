package complylinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDecideSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ap-1", "status": "approved", "role": "Safety Engineer"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	c.BearerToken = "tok"
	a, err := c.Decide(context.Background(), "ap-1", "approved", "looks good")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotPath != "/v0/approvals/ap-1/decision" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["decision"] != "approved" || gotBody["comment"] != "looks good" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if a.Status != "approved" || a.Role != "Safety Engineer" {
		t.Fatalf("unexpected approval %+v", a)
	}
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key-1" {
			t.Errorf("expected api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"already_resolved","message":"approval already resolved"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key-1"
	_, err := c.Decide(context.Background(), "ap-1", "approved", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "already_resolved" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("cursor") != "41" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(PaginatedEvents{
			Items:      []Event{{ID: 40, Type: "approval.decided"}, {ID: 39, Type: "work_order.completed"}},
			NextCursor: "39",
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 2, "41")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor != "39" {
		t.Fatalf("unexpected page %+v", page)
	}
}
