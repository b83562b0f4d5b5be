package engine

import (
	"context"

	"complyline/internal/domain"
)

// Stage is one column of the pipeline monitor.
type Stage struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

var stageOrder = []string{
	domain.UpdateNew,
	domain.UpdateParsing,
	domain.UpdateAnalyzing,
	domain.UpdateImplementing,
	domain.UpdateTesting,
	domain.UpdatePendingApproval,
	domain.UpdateDeployed,
	domain.UpdateAudited,
	domain.UpdateCancelled,
}

// Pipeline counts updates in every lifecycle status, in pipeline order.
func (e Engine) Pipeline(ctx context.Context) ([]Stage, error) {
	counts, err := e.Repo.CountUpdatesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stages := make([]Stage, 0, len(stageOrder))
	for _, s := range stageOrder {
		stages = append(stages, Stage{Status: s, Count: counts[s]})
	}
	return stages, nil
}

func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	return e.Repo.Stats(ctx, e.now())
}
