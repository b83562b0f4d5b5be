package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"complyline/internal/domain"
	"complyline/internal/repo"
)

// Parser turns a regulatory update into its structured requirement.
type Parser interface {
	Parse(ctx context.Context, u domain.RegulatoryUpdate) (domain.Requirement, error)
}

// ImpactAnalyzer computes the aircraft an update applies to.
type ImpactAnalyzer interface {
	AffectedAircraft(ctx context.Context, u domain.RegulatoryUpdate, req domain.Requirement) ([]string, error)
}

type ParserFunc func(ctx context.Context, u domain.RegulatoryUpdate) (domain.Requirement, error)

func (f ParserFunc) Parse(ctx context.Context, u domain.RegulatoryUpdate) (domain.Requirement, error) {
	return f(ctx, u)
}

type ImpactFunc func(ctx context.Context, u domain.RegulatoryUpdate, req domain.Requirement) ([]string, error)

func (f ImpactFunc) AffectedAircraft(ctx context.Context, u domain.RegulatoryUpdate, req domain.Requirement) ([]string, error) {
	return f(ctx, u, req)
}

// FieldParser builds the requirement from the fields the feed already
// structured on the update.
type FieldParser struct{}

func (FieldParser) Parse(_ context.Context, u domain.RegulatoryUpdate) (domain.Requirement, error) {
	req := domain.Requirement{
		MandatoryAction: u.MandatoryAction,
		AircraftType:    u.AircraftType,
		SourceRef:       fmt.Sprintf("feed://%s/%s/r%d", u.Source, u.ADNumber, u.Revision),
	}
	if u.MandatoryAction != "" {
		req.Description = fmt.Sprintf("%s: %s", u.ADNumber, u.MandatoryAction)
	}
	return req, nil
}

// FleetImpact selects every registered aircraft of the requirement's type.
type FleetImpact struct {
	Repo repo.Repo
}

func (f FleetImpact) AffectedAircraft(ctx context.Context, _ domain.RegulatoryUpdate, req domain.Requirement) ([]string, error) {
	fleet, err := f.Repo.ListAircraft(ctx, repo.AircraftFilters{Type: req.AircraftType})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(fleet))
	for _, a := range fleet {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// CollaboratorError reports a collaborator that failed after all retries.
// The update is left in the state it had before the call.
type CollaboratorError struct {
	Collaborator string
	UpdateID     string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed for update %s: %v", e.Collaborator, e.UpdateID, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

type retryPolicy struct {
	attempts uint
	initial  time.Duration
	max      time.Duration
}

// callCollaborator runs fn with exponential backoff. Typed engine errors are
// not retried.
func callCollaborator[T any](ctx context.Context, o *Orchestrator, name, updateID string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retry.initial
	b.MaxInterval = o.retry.max
	op := func() (T, error) {
		start := time.Now()
		v, err := fn(ctx)
		if err != nil {
			o.metrics.CollaboratorAttempt(name, "error", time.Since(start))
			if domain.KindOf(err) != "" {
				return v, backoff.Permanent(err)
			}
			return v, err
		}
		o.metrics.CollaboratorAttempt(name, "ok", time.Since(start))
		return v, nil
	}
	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.retry.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.log.Warn().Err(err).Str("collaborator", name).Str("update_id", updateID).Dur("retry_in", next).Msg("collaborator call failed")
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return v, &CollaboratorError{Collaborator: name, UpdateID: updateID, Err: err}
	}
	return v, nil
}
