package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"savery/internal"
	"savery/internal/util"
)

// planRun is the only writer of one plan's job records. Each stage task
// enqueues the next one when it succeeds, so stages of a plan never overlap.
type planRun struct {
	o      *Orchestrator
	planID string
	once   sync.Once
}

func (r *planRun) match(ctx context.Context, in internal.MatchingInput) {
	defer r.recoverPanic(ctx)
	out, ok := runStage(ctx, r, internal.StageMatch, r.o.stages.Match, in, len(in.Items), nil)
	if !ok {
		r.finish()
		return
	}
	r.next(ctx, internal.StagePricing, func(ctx context.Context) { r.pricing(ctx, out) })
}

func (r *planRun) pricing(ctx context.Context, in internal.MatchingOutput) {
	defer r.recoverPanic(ctx)
	out, ok := runStage(ctx, r, internal.StagePricing, r.o.stages.Pricing, in, len(in.MatchedItems), nil)
	if !ok {
		r.finish()
		return
	}
	r.next(ctx, internal.StageOptimize, func(ctx context.Context) { r.optimize(ctx, out) })
}

func (r *planRun) optimize(ctx context.Context, in internal.PricingOutput) {
	defer r.finish()
	defer r.recoverPanic(ctx)
	// The plan result is written before the stage reports success, so a reader
	// that sees OPTIMIZE succeeded always finds the result.
	_, _ = runStage(ctx, r, internal.StageOptimize, r.o.stages.Optimize, in, len(in.PricedItems),
		func(ctx context.Context, out internal.OptimizationOutput) error {
			return r.o.store.SetPlanStatus(ctx, r.planID, internal.PlanSucceeded, &out)
		})
}

func (r *planRun) next(ctx context.Context, stage internal.JobStage, task Task) {
	if err := r.o.pool.Submit(task); err != nil {
		zap.L().Error("pipeline: dispatch stage",
			zap.String("plan_id", r.planID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		r.setPlanStatus(ctx, internal.PlanFailed)
		r.finish()
	}
}

// recoverPanic fails the plan when code around a stage panics. Panics inside a
// stage are already turned into a failed job by safeRun.
func (r *planRun) recoverPanic(ctx context.Context) {
	rec := recover()
	if rec == nil {
		return
	}
	zap.L().Error("pipeline: plan run panicked",
		zap.String("plan_id", r.planID),
		zap.String("panic", fmt.Sprint(rec)),
	)
	r.setPlanStatus(ctx, internal.PlanFailed)
	r.finish()
}

func (r *planRun) finish() {
	r.once.Do(func() {
		r.o.cancelled.Delete(r.planID)
		r.o.inflight.Done()
	})
}

func (r *planRun) setPlanStatus(ctx context.Context, status internal.PlanStatus) {
	if err := r.o.store.SetPlanStatus(context.WithoutCancel(ctx), r.planID, status, nil); err != nil {
		zap.L().Warn("pipeline: update plan status",
			zap.String("plan_id", r.planID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// runStage moves one job record through Running to Success or Failed around a
// call to s. onSuccess, if set, runs before the record is marked successful;
// its error fails the stage. It reports whether the plan should continue.
func runStage[In, Out any](
	ctx context.Context,
	r *planRun,
	stage internal.JobStage,
	s Stage[In, Out],
	in In,
	total int,
	onSuccess func(ctx context.Context, out Out) error,
) (Out, bool) {
	var zero Out
	store := r.o.store
	log := zap.L().With(zap.String("plan_id", r.planID), zap.String("stage", string(stage)))

	if r.o.isCancelled(r.planID) {
		log.Info("plan cancelled before stage")
		r.setPlanStatus(ctx, internal.PlanCancelled)
		return zero, false
	}

	taskID := uuid.New().String()
	if _, err := store.TransitionJob(ctx, r.planID, stage, internal.JobTransition{
		From:            internal.JobPending,
		To:              internal.JobRunning,
		TaskID:          util.StringPtr(taskID),
		ProgressCurrent: util.IntPtr(0),
		ProgressTotal:   util.IntPtr(total),
	}); err != nil {
		log.Error("pipeline: start stage", zap.Error(err))
		r.setPlanStatus(ctx, internal.PlanFailed)
		return zero, false
	}
	if stage == internal.StageMatch {
		r.setPlanStatus(ctx, internal.PlanRunning)
	}

	start := time.Now()
	out, err := safeRun(ctx, s, in)
	if err == nil && onSuccess != nil {
		err = onSuccess(context.WithoutCancel(ctx), out)
	}
	elapsed := zap.Int64("duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		log.Warn("stage failed", zap.String("task_id", taskID), elapsed, zap.Error(err))
		if _, tErr := store.TransitionJob(context.WithoutCancel(ctx), r.planID, stage, internal.JobTransition{
			From:    internal.JobRunning,
			To:      internal.JobFailed,
			Message: util.StringPtr(err.Error()),
		}); tErr != nil {
			log.Error("pipeline: record stage failure", zap.Error(tErr))
		}
		r.setPlanStatus(ctx, internal.PlanFailed)
		return zero, false
	}

	if _, err := store.TransitionJob(context.WithoutCancel(ctx), r.planID, stage, internal.JobTransition{
		From:            internal.JobRunning,
		To:              internal.JobSuccess,
		ProgressCurrent: util.IntPtr(total),
	}); err != nil {
		log.Error("pipeline: record stage success", zap.Error(err))
		r.setPlanStatus(ctx, internal.PlanFailed)
		return zero, false
	}
	log.Info("stage completed", zap.String("task_id", taskID), elapsed)
	return out, true
}

func safeRun[In, Out any](ctx context.Context, s Stage[In, Out], in In) (out Out, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = eris.New(fmt.Sprintf("stage panicked: %v", rec))
		}
	}()
	if s == nil {
		return out, eris.New("stage not configured")
	}
	return s.Run(ctx, in)
}
