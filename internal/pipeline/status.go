package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"savery/internal"
)

const (
	TaskPending = "PENDING"
	TaskRunning = "RUNNING"
	TaskSuccess = "SUCCESS"
	TaskFailure = "FAILED"
	TaskRevoked = "REVOKED"
)

type StatusReader struct {
	store JobStore
}

func NewStatusReader(store JobStore) *StatusReader {
	return &StatusReader{store: store}
}

// Status reports the state of taskID. Unknown ids report PENDING and not
// ready, the same as a task that has not started yet.
func (r *StatusReader) Status(ctx context.Context, taskID string) (internal.TaskStatus, error) {
	out := internal.TaskStatus{ID: taskID, Status: TaskPending}

	jobs, err := r.store.ListJobs(ctx, taskID)
	if err != nil {
		return internal.TaskStatus{}, err
	}
	if len(jobs) == 0 {
		return out, nil
	}

	out.Stages = make([]internal.StageDetail, 0, len(jobs))
	var failed, running, progressed, optimized bool
	for _, job := range jobs {
		out.Stages = append(out.Stages, internal.StageDetail{
			Stage:           job.Stage,
			Status:          job.Status,
			ProgressCurrent: job.ProgressCurrent,
			ProgressTotal:   job.ProgressTotal,
			TaskID:          job.TaskID,
			Message:         job.Message,
		})
		switch job.Status {
		case internal.JobFailed:
			failed = true
		case internal.JobRunning:
			running = true
		case internal.JobSuccess:
			progressed = true
			if job.Stage == internal.StageOptimize {
				optimized = true
			}
		}
	}

	switch {
	case failed:
		out.Status, out.Ready = TaskFailure, true
	case optimized:
		plan, err := r.store.GetPlan(ctx, taskID)
		if err != nil {
			return internal.TaskStatus{}, err
		}
		out.Status, out.Ready, out.Successful = TaskSuccess, true, true
		if plan != nil {
			out.Result = plan.Result
		}
	default:
		plan, err := r.store.GetPlan(ctx, taskID)
		if err != nil {
			return internal.TaskStatus{}, err
		}
		var planStatus internal.PlanStatus
		if plan != nil {
			planStatus = plan.Status
		}
		// A plan can fail outside any stage, e.g. when the next stage could
		// not be dispatched; its jobs then stay pending or running.
		switch {
		case planStatus == internal.PlanFailed:
			out.Status, out.Ready = TaskFailure, true
		case planStatus == internal.PlanCancelled:
			out.Status, out.Ready = TaskRevoked, true
		case running || progressed:
			out.Status = TaskRunning
		}
	}
	return out, nil
}

func (r *StatusReader) Wait(ctx context.Context, taskID string, interval time.Duration) (internal.TaskStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := r.Status(ctx, taskID)
		if err != nil || st.Ready {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, eris.Wrapf(ctx.Err(), "pipeline: waiting for %s", taskID)
		case <-ticker.C:
		}
	}
}
