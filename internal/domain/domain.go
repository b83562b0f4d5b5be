package domain

// Update lifecycle states.
const (
	UpdateNew             = "new"
	UpdateParsing         = "parsing"
	UpdateAnalyzing       = "analyzing"
	UpdateImplementing    = "implementing"
	UpdateTesting         = "testing"
	UpdatePendingApproval = "pending_approval"
	UpdateDeployed        = "deployed"
	UpdateAudited         = "audited"
	UpdateCancelled       = "cancelled"
)

// Work order states.
const (
	WorkOrderPending    = "pending"
	WorkOrderInProgress = "in_progress"
	WorkOrderCompleted  = "completed"
	WorkOrderCancelled  = "cancelled"
)

// Approval states. Moot marks an approval voided by cancellation.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalMoot     = "moot"
)

// Audit package states.
const (
	PackageCompiling = "compiling"
	PackageReady     = "ready"
	PackageExported  = "exported"
)

// Aircraft operational states.
const (
	AircraftOperational = "operational"
	AircraftMaintenance = "maintenance"
	AircraftInspection  = "inspection"
	AircraftGrounded    = "grounded"
)

// Evidence document kinds.
const (
	DocOriginalAD            = "original_ad"
	DocParsedData            = "parsed_data"
	DocImpactAnalysis        = "impact_analysis"
	DocWorkOrders            = "work_orders"
	DocCompletionCertificate = "completion_certificate"
	DocPhotoEvidence         = "photo_evidence"
	DocAuditTrail            = "audit_trail"
)

// Default governance roles.
const (
	RoleSafetyEngineer     = "Safety Engineer"
	RoleMaintenancePlanner = "Maintenance Planner"
	RoleComplianceManager  = "Compliance Manager"
)

var priorityRank = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// PriorityRank orders priorities by urgency; unknown values rank 0.
func PriorityRank(p string) int {
	return priorityRank[p]
}

// MoreUrgent returns whichever priority is more urgent.
func MoreUrgent(a, b string) string {
	if PriorityRank(b) > PriorityRank(a) {
		return b
	}
	return a
}

type Aircraft struct {
	ID              string  `json:"id"`
	Registration    string  `json:"registration"`
	Type            string  `json:"type"`
	SerialNumber    string  `json:"serial_number"`
	Status          string  `json:"status" enum:"operational,maintenance,inspection,grounded"`
	FlightHours     float64 `json:"flight_hours"`
	Cycles          int     `json:"cycles"`
	LastMaintenance *string `json:"last_maintenance,omitempty" format:"date"`
	NextDue         *string `json:"next_due,omitempty" format:"date"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type RegulatoryUpdate struct {
	ID                 string  `json:"id"`
	ADNumber           string  `json:"ad_number"`
	Source             string  `json:"source"`
	Title              string  `json:"title"`
	AircraftType       string  `json:"aircraft_type"`
	MandatoryAction    string  `json:"mandatory_action"`
	ComplianceDeadline string  `json:"compliance_deadline" format:"date"`
	Priority           string  `json:"priority" enum:"critical,high,medium,low"`
	PublishedDate      *string `json:"published_date,omitempty" format:"date"`
	Status             string  `json:"status" enum:"new,parsing,analyzing,implementing,testing,pending_approval,deployed,audited,cancelled"`
	AffectedAircraft   int     `json:"affected_aircraft"`
	Revision           int     `json:"revision"`
	CancelReason       *string `json:"cancel_reason,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
	AuditedAt          *string `json:"audited_at,omitempty" format:"date-time"`
}

// Terminal reports whether the update can no longer change.
func (u RegulatoryUpdate) Terminal() bool {
	return u.Status == UpdateAudited || u.Status == UpdateCancelled
}

// Requirement is the structured output of ingestion for one update.
type Requirement struct {
	MandatoryAction   string   `json:"mandatory_action"`
	AircraftType      string   `json:"aircraft_type"`
	Description       string   `json:"description,omitempty"`
	EstimatedDowntime string   `json:"estimated_downtime,omitempty"`
	Parts             []string `json:"parts,omitempty"`
	SourceRef         string   `json:"source_ref,omitempty"`
}

// Complete reports whether the requirement carries what analysis needs.
func (r Requirement) Complete() bool {
	return r.MandatoryAction != "" && r.AircraftType != ""
}

type WorkOrder struct {
	ID                string   `json:"id"`
	UpdateID          string   `json:"update_id"`
	AircraftID        string   `json:"aircraft_id"`
	Registration      string   `json:"registration,omitempty"`
	ADNumber          string   `json:"ad_number,omitempty"`
	Description       string   `json:"description"`
	EstimatedDowntime string   `json:"estimated_downtime,omitempty"`
	Status            string   `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Priority          string   `json:"priority" enum:"critical,high,medium,low"`
	PriorityOverride  *string  `json:"priority_override,omitempty"`
	AssignedTeam      *string  `json:"assigned_team,omitempty"`
	ScheduledDate     *string  `json:"scheduled_date,omitempty" format:"date"`
	DueDate           string   `json:"due_date" format:"date"`
	Parts             []string `json:"parts"`
	Cycle             int      `json:"cycle"`
	Remediation       bool     `json:"remediation"`
	CancelReason      *string  `json:"cancel_reason,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Live reports whether the work order still counts toward its update.
func (w WorkOrder) Live() bool {
	return w.Status != WorkOrderCancelled
}

type Approval struct {
	ID          string  `json:"id"`
	WorkOrderID string  `json:"work_order_id"`
	UpdateID    string  `json:"update_id"`
	Role        string  `json:"role"`
	Cycle       int     `json:"cycle"`
	Status      string  `json:"status" enum:"pending,approved,rejected,moot"`
	Approver    *string `json:"approver,omitempty"`
	Comment     *string `json:"comment,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Resolved reports whether the approval has left pending.
func (a Approval) Resolved() bool {
	return a.Status != ApprovalPending
}

type Document struct {
	ID          string  `json:"id"`
	UpdateID    string  `json:"update_id"`
	WorkOrderID *string `json:"work_order_id,omitempty"`
	Kind        string  `json:"kind"`
	Ref         string  `json:"ref"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type AuditPackage struct {
	ID             string     `json:"id"`
	UpdateID       string     `json:"update_id"`
	ADNumber       string     `json:"ad_number,omitempty"`
	Source         string     `json:"source,omitempty"`
	Status         string     `json:"status" enum:"compiling,ready,exported"`
	Documents      []Document `json:"documents"`
	MissingKinds   []string   `json:"missing_kinds,omitempty"`
	Signoffs       int        `json:"signoffs"`
	TotalSignoffs  int        `json:"total_signoffs"`
	ArtifactURI    *string    `json:"artifact_uri,omitempty"`
	ArtifactDigest *string    `json:"artifact_digest,omitempty"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
	ExportedAt     *string    `json:"exported_at,omitempty" format:"date-time"`
}

// ArtifactRef points at an exported audit package manifest.
type ArtifactRef struct {
	PackageID  string `json:"package_id"`
	URI        string `json:"uri"`
	Digest     string `json:"digest"`
	Size       int    `json:"size"`
	ExportedAt string `json:"exported_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UpdateID   string `json:"update_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ApproverGrant gives an actor authority to sign for a governance role.
type ApproverGrant struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	GrantedBy string `json:"granted_by"`
	GrantedAt string `json:"granted_at" format:"date-time"`
}

type Stats struct {
	TotalADs            int            `json:"total_ads"`
	PendingCompliance   int            `json:"pending_compliance"`
	CompletedThisMonth  int            `json:"completed_this_month"`
	FleetSize           int            `json:"fleet_size"`
	OperationalAircraft int            `json:"operational_aircraft"`
	PendingWorkOrders   int            `json:"pending_work_orders"`
	PendingApprovals    int            `json:"pending_approvals"`
	AuditPackagesReady  int            `json:"audit_packages_ready"`
	ComplianceRate      float64        `json:"compliance_rate"`
	AvgProcessingHours  float64        `json:"avg_processing_hours"`
	UpdatesByStatus     map[string]int `json:"updates_by_status"`
}
