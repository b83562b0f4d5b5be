package server

import (
	"encoding/json"
	"maps"
	"slices"

	"complyline/internal/config"
	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/orchestrator"
)

// Request payloads

type CreateAircraftRequest struct {
	ID              string  `json:"id,omitempty"`
	Registration    string  `json:"registration"`
	Type            string  `json:"type"`
	SerialNumber    string  `json:"serial_number"`
	Status          string  `json:"status,omitempty" enum:"operational,maintenance,inspection,grounded"`
	FlightHours     float64 `json:"flight_hours,omitempty"`
	Cycles          int     `json:"cycles,omitempty"`
	LastMaintenance *string `json:"last_maintenance,omitempty"`
	NextDue         *string `json:"next_due,omitempty"`
}

type IngestUpdateRequest struct {
	ADNumber           string  `json:"ad_number"`
	Source             string  `json:"source" example:"FAA"`
	Title              string  `json:"title"`
	AircraftType       string  `json:"aircraft_type,omitempty"`
	MandatoryAction    string  `json:"mandatory_action,omitempty"`
	ComplianceDeadline string  `json:"compliance_deadline" example:"2025-03-01"`
	Priority           string  `json:"priority" enum:"critical,high,medium,low"`
	PublishedDate      *string `json:"published_date,omitempty"`
	OriginalRef        string  `json:"original_ref,omitempty"`
	Process            bool    `json:"process,omitempty" doc:"Run ingestion and impact analysis in the background"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// reason tolerates a missing body; the engine supplies the default reason.
func (r *CancelRequest) reason() string {
	if r == nil {
		return ""
	}
	return r.Reason
}

type AttachDocumentRequest struct {
	WorkOrderID *string `json:"work_order_id,omitempty"`
	Kind        string  `json:"kind" example:"photo_evidence"`
	Ref         string  `json:"ref"`
}

type PlanWorkOrderRequest struct {
	AssignedTeam      *string  `json:"assigned_team,omitempty"`
	ScheduledDate     *string  `json:"scheduled_date,omitempty"`
	PriorityOverride  *string  `json:"priority_override,omitempty" enum:"critical,high,medium,low"`
	EstimatedDowntime *string  `json:"estimated_downtime,omitempty"`
	Parts             []string `json:"parts,omitempty"`
}

type CompleteWorkOrderRequest struct {
	CertificateRef string   `json:"certificate_ref,omitempty"`
	FlightHours    *float64 `json:"flight_hours,omitempty"`
	Cycles         *int     `json:"cycles,omitempty"`
}

func (r *CompleteWorkOrderRequest) completion(workOrderID, actorID string) engine.WorkCompletion {
	c := engine.WorkCompletion{WorkOrderID: workOrderID, ActorID: actorID}
	if r != nil {
		c.CertificateRef = r.CertificateRef
		c.FlightHours = r.FlightHours
		c.Cycles = r.Cycles
	}
	return c
}

type DecisionRequest struct {
	Decision string  `json:"decision" enum:"approved,rejected"`
	Comment  *string `json:"comment,omitempty"`
}

type ApproverRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" example:"Safety Engineer"`
}

type TokenRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Responses

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

type UpdateDetailResponse struct {
	domain.RegulatoryUpdate
	Requirement *domain.Requirement `json:"requirement,omitempty"`
	NextStatus  string              `json:"next_status,omitempty"`
}

type WorkOrderResponse struct {
	domain.WorkOrder
	Approvals []domain.Approval `json:"approvals"`
}

type ResubmitResponse struct {
	WorkOrder domain.WorkOrder  `json:"work_order"`
	Approvals []domain.Approval `json:"approvals"`
}

type AttachDocumentResponse struct {
	Added bool `json:"added"`
}

type ProcessAllResponse struct {
	Results []orchestrator.ProcessResult `json:"results"`
	Failed  int                          `json:"failed"`
}

type MeResponse struct {
	ActorID       string   `json:"actor_id"`
	Source        string   `json:"source"`
	Roles         []string `json:"roles"`
	ApproverRoles []string `json:"approver_roles"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	UpdateID   string         `json:"update_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ConfigResponse struct {
	OperatorID       string   `json:"operator_id"`
	Roles            []string `json:"roles"`
	Remediation      string   `json:"remediation"`
	EnforceAuthority bool     `json:"enforce_authority"`
	EvidenceRequired []string `json:"evidence_required"`
	EvidenceKinds    []string `json:"evidence_kinds"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		UpdateID:   e.UpdateID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	resp := ConfigResponse{
		OperatorID:       cfg.Operator.ID,
		Roles:            nonNilSlice(cfg.Governance.Roles),
		Remediation:      cfg.Governance.Remediation,
		EnforceAuthority: cfg.Governance.EnforceAuthority,
		EvidenceRequired: nonNilSlice(cfg.Evidence.Require),
		EvidenceKinds:    nonNilSlice(slices.Sorted(maps.Keys(cfg.Evidence.Catalog))),
	}
	return resp
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
