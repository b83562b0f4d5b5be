package repo

import (
	"context"
	"database/sql"
	"time"

	"complyline/internal/domain"
)

// Stats aggregates the dashboard counters as of now.
func (r Repo) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	var s domain.Stats
	byStatus, err := r.CountUpdatesByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.UpdatesByStatus = byStatus
	for status, n := range byStatus {
		s.TotalADs += n
		if status != domain.UpdateAudited && status != domain.UpdateCancelled {
			s.PendingCompliance += n
		}
	}
	if live := s.TotalADs - byStatus[domain.UpdateCancelled]; live > 0 {
		s.ComplianceRate = float64(byStatus[domain.UpdateAudited]) * 100 / float64(live)
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM regulatory_updates WHERE status='audited' AND audited_at>=?`, monthStart).Scan(&s.CompletedThisMonth); err != nil {
		return s, err
	}
	var avg sql.NullFloat64
	if err := r.DB.QueryRowContext(ctx, `SELECT AVG((julianday(audited_at)-julianday(created_at))*24.0) FROM regulatory_updates WHERE status='audited'`).Scan(&avg); err != nil {
		return s, err
	}
	s.AvgProcessingHours = avg.Float64

	if err := r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(SUM(CASE WHEN status='operational' THEN 1 ELSE 0 END),0) FROM aircraft`).Scan(&s.FleetSize, &s.OperationalAircraft); err != nil {
		return s, err
	}
	woCounts, err := r.CountWorkOrdersByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.PendingWorkOrders = woCounts[domain.WorkOrderPending] + woCounts[domain.WorkOrderInProgress]
	if s.PendingApprovals, err = r.CountPendingApprovals(ctx); err != nil {
		return s, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_packages WHERE status='ready'`).Scan(&s.AuditPackagesReady); err != nil {
		return s, err
	}
	return s, nil
}
