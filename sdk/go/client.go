package complylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Complyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Aircraft represents the API aircraft model (partial).
type Aircraft struct {
	ID           string  `json:"id"`
	Registration string  `json:"registration"`
	Type         string  `json:"type"`
	SerialNumber string  `json:"serial_number"`
	Status       string  `json:"status"`
	FlightHours  float64 `json:"flight_hours"`
	Cycles       int     `json:"cycles"`
}

// Update represents a regulatory update (partial).
type Update struct {
	ID                 string `json:"id"`
	ADNumber           string `json:"ad_number"`
	Source             string `json:"source"`
	Title              string `json:"title"`
	AircraftType       string `json:"aircraft_type"`
	MandatoryAction    string `json:"mandatory_action"`
	ComplianceDeadline string `json:"compliance_deadline"`
	Priority           string `json:"priority"`
	Status             string `json:"status"`
	AffectedAircraft   int    `json:"affected_aircraft"`
	Revision           int    `json:"revision"`
}

// UpdateInput is the ingest payload.
type UpdateInput struct {
	ADNumber           string `json:"ad_number"`
	Source             string `json:"source"`
	Title              string `json:"title"`
	AircraftType       string `json:"aircraft_type,omitempty"`
	MandatoryAction    string `json:"mandatory_action,omitempty"`
	ComplianceDeadline string `json:"compliance_deadline"`
	Priority           string `json:"priority"`
	Process            bool   `json:"process,omitempty"`
}

// WorkOrder represents a work order (partial).
type WorkOrder struct {
	ID           string  `json:"id"`
	UpdateID     string  `json:"update_id"`
	AircraftID   string  `json:"aircraft_id"`
	Registration string  `json:"registration,omitempty"`
	Status       string  `json:"status"`
	Priority     string  `json:"priority"`
	AssignedTeam *string `json:"assigned_team,omitempty"`
	DueDate      string  `json:"due_date"`
	Cycle        int     `json:"cycle"`
}

// Approval represents one role sign-off on a work order.
type Approval struct {
	ID          string  `json:"id"`
	WorkOrderID string  `json:"work_order_id"`
	UpdateID    string  `json:"update_id"`
	Role        string  `json:"role"`
	Cycle       int     `json:"cycle"`
	Status      string  `json:"status"`
	Approver    *string `json:"approver,omitempty"`
}

// AuditPackage represents the compiled audit evidence for an update.
type AuditPackage struct {
	ID             string   `json:"id"`
	UpdateID       string   `json:"update_id"`
	Status         string   `json:"status"`
	MissingKinds   []string `json:"missing_kinds,omitempty"`
	Signoffs       int      `json:"signoffs"`
	TotalSignoffs  int      `json:"total_signoffs"`
	ArtifactURI    *string  `json:"artifact_uri,omitempty"`
	ArtifactDigest *string  `json:"artifact_digest,omitempty"`
}

// ArtifactRef points at an exported manifest.
type ArtifactRef struct {
	PackageID  string `json:"package_id"`
	URI        string `json:"uri"`
	Digest     string `json:"digest"`
	Size       int    `json:"size"`
	ExportedAt string `json:"exported_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	UpdateID   string         `json:"update_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RegisterAircraft adds an aircraft to the fleet.
func (c *Client) RegisterAircraft(ctx context.Context, registration, acType, serial string) (Aircraft, error) {
	body := map[string]any{
		"registration":  registration,
		"type":          acType,
		"serial_number": serial,
	}
	var resp Aircraft
	err := c.do(ctx, http.MethodPost, "aircraft", body, &resp)
	return resp, err
}

// IngestUpdate creates or revises an update by AD number.
func (c *Client) IngestUpdate(ctx context.Context, in UpdateInput) (Update, error) {
	var resp Update
	err := c.do(ctx, http.MethodPost, "updates", in, &resp)
	return resp, err
}

// GetUpdate fetches an update by id.
func (c *Client) GetUpdate(ctx context.Context, id string) (Update, error) {
	var resp Update
	err := c.do(ctx, http.MethodGet, "updates/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ProcessUpdate runs ingestion and impact analysis synchronously.
func (c *Client) ProcessUpdate(ctx context.Context, id string) (Update, error) {
	var resp Update
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("updates/%s/process", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// WorkOrders lists work orders for an update.
func (c *Client) WorkOrders(ctx context.Context, updateID string) ([]WorkOrder, error) {
	var resp []WorkOrder
	err := c.do(ctx, http.MethodGet, "work-orders?update_id="+url.QueryEscape(updateID), nil, &resp)
	return resp, err
}

// StartWork moves a work order to in_progress.
func (c *Client) StartWork(ctx context.Context, workOrderID string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-orders/%s/start", url.PathEscape(workOrderID)), nil, &resp)
	return resp, err
}

// CompleteWork completes a work order with an optional certificate reference.
func (c *Client) CompleteWork(ctx context.Context, workOrderID, certificateRef string) (WorkOrder, error) {
	body := map[string]any{}
	if certificateRef != "" {
		body["certificate_ref"] = certificateRef
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-orders/%s/complete", url.PathEscape(workOrderID)), body, &resp)
	return resp, err
}

// PendingApprovals lists current-cycle approvals still waiting on a decision.
func (c *Client) PendingApprovals(ctx context.Context, updateID string) ([]Approval, error) {
	q := url.Values{}
	q.Set("status", "pending")
	q.Set("current", "true")
	if updateID != "" {
		q.Set("update_id", updateID)
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "approvals?"+q.Encode(), nil, &resp)
	return resp, err
}

// Decide records approved or rejected on an approval as the calling actor.
func (c *Client) Decide(ctx context.Context, approvalID, decision, comment string) (Approval, error) {
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decision", url.PathEscape(approvalID)), body, &resp)
	return resp, err
}

// AuditPackage returns the audit package of an update.
func (c *Client) AuditPackage(ctx context.Context, updateID string) (AuditPackage, error) {
	var resp AuditPackage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("updates/%s/audit-package", url.PathEscape(updateID)), nil, &resp)
	return resp, err
}

// ExportAudit exports a ready package. Repeated calls return the same reference.
func (c *Client) ExportAudit(ctx context.Context, packageID string) (ArtifactRef, error) {
	var resp ArtifactRef
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("audit-packages/%s/export", url.PathEscape(packageID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
