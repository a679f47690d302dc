package pipeline

import (
	"context"

	"savery/internal"
)

type Stage[In, Out any] interface {
	Run(ctx context.Context, in In) (Out, error)
}

type StageFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

func (f StageFunc[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// Stages wires the three pipeline steps. The output type of each stage is the
// input type of the next, so a mis-ordered chain does not compile.
type Stages struct {
	Match    Stage[internal.MatchingInput, internal.MatchingOutput]
	Pricing  Stage[internal.MatchingOutput, internal.PricingOutput]
	Optimize Stage[internal.PricingOutput, internal.OptimizationOutput]
}

// JobStore persists plans and their per-stage job records. TransitionJob must
// be atomic and conditional on tr.From; CreatePlan must insert the plan and all
// records or nothing.
type JobStore interface {
	CreatePlan(ctx context.Context, plan internal.RoutePlan, jobs []internal.JobRecord) error
	DeletePlan(ctx context.Context, planID string) error
	GetPlan(ctx context.Context, planID string) (*internal.RoutePlan, error)
	SetPlanStatus(ctx context.Context, planID string, status internal.PlanStatus, result *internal.OptimizationOutput) error
	ListJobs(ctx context.Context, planID string) ([]internal.JobRecord, error)
	TransitionJob(ctx context.Context, planID string, stage internal.JobStage, tr internal.JobTransition) (internal.JobRecord, error)
}
