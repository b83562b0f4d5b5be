package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"complyline/internal/domain"
	"complyline/internal/repo"
)

// Process runs the collaborators an update is waiting on: ingestion while it
// is new or parsing, impact analysis while it is analyzing. Collaborators run
// outside the update lock. A collaborator that keeps failing leaves the update
// where it was and returns a *CollaboratorError.
func (o *Orchestrator) Process(ctx context.Context, updateID string) (domain.RegulatoryUpdate, error) {
	u, err := o.engine.Repo.GetUpdate(ctx, updateID)
	if err != nil {
		return domain.RegulatoryUpdate{}, err
	}
	if u.Status == domain.UpdateNew || u.Status == domain.UpdateParsing {
		req, err := callCollaborator(ctx, o, "parser", u.ID, func(ctx context.Context) (domain.Requirement, error) {
			return o.parser.Parse(ctx, u)
		})
		if err != nil {
			o.log.Error().Err(err).Str("update_id", u.ID).Msg("ingestion failed")
			return u, err
		}
		if u, err = o.OnParsed(ctx, u.ID, req); err != nil {
			return u, err
		}
	}
	if u.Status == domain.UpdateAnalyzing {
		req, err := o.engine.Repo.GetRequirement(ctx, u.ID)
		if err != nil {
			return u, err
		}
		if req == nil {
			req = &domain.Requirement{MandatoryAction: u.MandatoryAction, AircraftType: u.AircraftType}
		}
		ids, err := callCollaborator(ctx, o, "impact", u.ID, func(ctx context.Context) ([]string, error) {
			return o.impact.AffectedAircraft(ctx, u, *req)
		})
		if err != nil {
			o.log.Error().Err(err).Str("update_id", u.ID).Msg("impact analysis failed")
			return u, err
		}
		if u, err = o.OnImpactComputed(ctx, u.ID, ids); err != nil {
			return u, err
		}
		o.log.Info().Str("update_id", u.ID).Int("affected", u.AffectedAircraft).Str("status", u.Status).Msg("impact applied")
	}
	return u, nil
}

// ProcessAsync runs Process in the background. Close waits for it.
func (o *Orchestrator) ProcessAsync(updateID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Process(context.Background(), updateID); err != nil && !isCollaboratorFailure(err) {
			o.log.Error().Err(err).Str("update_id", updateID).Msg("background processing failed")
		}
	}()
}

// ProcessResult is the outcome of processing one update.
type ProcessResult struct {
	UpdateID string `json:"update_id"`
	ADNumber string `json:"ad_number"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ProcessAll processes every update waiting on a collaborator, at most
// concurrency at a time. Failures are reported per update; the error is the
// first failure.
func (o *Orchestrator) ProcessAll(ctx context.Context, concurrency int) ([]ProcessResult, error) {
	var waiting []domain.RegulatoryUpdate
	for _, status := range []string{domain.UpdateNew, domain.UpdateParsing, domain.UpdateAnalyzing} {
		us, err := o.engine.Repo.ListUpdates(ctx, repo.UpdateFilters{Status: status})
		if err != nil {
			return nil, err
		}
		waiting = append(waiting, us...)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	results := make([]ProcessResult, len(waiting))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, u := range waiting {
		g.Go(func() error {
			res := ProcessResult{UpdateID: u.ID, ADNumber: u.ADNumber, Status: u.Status}
			after, err := o.Process(ctx, u.ID)
			if after.ID != "" {
				res.Status = after.Status
			}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return err
		})
	}
	return results, g.Wait()
}
