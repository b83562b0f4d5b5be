package events

// Change event types written to the log.
const (
	AircraftRegistered = "aircraft.registered"
	AircraftRemoved    = "aircraft.removed"
	AircraftMaintained = "aircraft.maintained"

	UpdateCreated      = "update.created"
	UpdateRevised      = "update.revised"
	UpdateParsed       = "update.parsed"
	UpdateImpact       = "update.impact_computed"
	UpdateTransitioned = "update.transitioned"
	UpdateCancelled    = "update.cancelled"

	WorkOrderCreated     = "work_order.created"
	WorkOrderPlanned     = "work_order.planned"
	WorkOrderStarted     = "work_order.started"
	WorkOrderCompleted   = "work_order.completed"
	WorkOrderCancelled   = "work_order.cancelled"
	WorkOrderRemediation = "work_order.remediation_required"
	WorkOrderResubmitted = "work_order.resubmitted"

	ApprovalCreated  = "approval.created"
	ApprovalResolved = "approval.resolved"
	ApprovalMooted   = "approval.mooted"

	DocumentAttached = "document.attached"

	AuditCompiled = "audit.compiled"
	AuditExported = "audit.exported"

	ApproverGranted = "approver.granted"
	ApproverRevoked = "approver.revoked"
)
