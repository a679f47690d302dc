package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"savery/internal"
)

// MemoryStore is a JobStore held in process memory with the same atomicity as
// DB. The pipeline and API tests run against it.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]internal.RoutePlan
	jobs  map[string][]internal.JobRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]internal.RoutePlan),
		jobs:  make(map[string][]internal.JobRecord),
	}
}

func (m *MemoryStore) CreatePlan(_ context.Context, plan internal.RoutePlan, jobs []internal.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plans[plan.ID]; exists {
		return eris.Errorf("storage: plan %s already exists", plan.ID)
	}
	seen := map[internal.JobStage]bool{}
	for _, job := range jobs {
		if seen[job.Stage] {
			return eris.Errorf("storage: duplicate stage %s for plan %s", job.Stage, plan.ID)
		}
		seen[job.Stage] = true
	}

	plan.CreatedAt, plan.UpdatedAt = stamp(plan.CreatedAt), stamp(plan.UpdatedAt)
	m.plans[plan.ID] = copyPlan(plan)
	stored := make([]internal.JobRecord, 0, len(jobs))
	for _, job := range jobs {
		job.CreatedAt, job.UpdatedAt = stamp(job.CreatedAt), stamp(job.UpdatedAt)
		stored = append(stored, copyJob(job))
	}
	m.jobs[plan.ID] = stored
	return nil
}

func (m *MemoryStore) DeletePlan(_ context.Context, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, planID)
	delete(m.jobs, planID)
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, planID string) (*internal.RoutePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil, nil
	}
	out := copyPlan(plan)
	return &out, nil
}

func (m *MemoryStore) SetPlanStatus(_ context.Context, planID string, status internal.PlanStatus, result *internal.OptimizationOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "plan %s", planID)
	}
	plan.Status = status
	if result != nil {
		plan.Result = result
	}
	plan.UpdatedAt = time.Now().UTC()
	m.plans[planID] = copyPlan(plan)
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, planID string) ([]internal.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := m.jobs[planID]
	out := make([]internal.JobRecord, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, copyJob(job))
	}
	slices.SortFunc(out, func(a, b internal.JobRecord) int {
		return slices.Index(internal.Stages, a.Stage) - slices.Index(internal.Stages, b.Stage)
	})
	return out, nil
}

func (m *MemoryStore) TransitionJob(_ context.Context, planID string, stage internal.JobStage, tr internal.JobTransition) (internal.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := m.jobs[planID]
	for i := range jobs {
		if jobs[i].Stage != stage {
			continue
		}
		if jobs[i].Status != tr.From {
			return internal.JobRecord{}, eris.Wrapf(ErrInvalidTransition, "%s/%s is %s, not %s", planID, stage, jobs[i].Status, tr.From)
		}
		job := jobs[i]
		job.Status = tr.To
		if tr.TaskID != nil {
			job.TaskID = tr.TaskID
		}
		if tr.Message != nil {
			job.Message = tr.Message
		}
		if tr.ProgressCurrent != nil {
			job.ProgressCurrent = tr.ProgressCurrent
		}
		if tr.ProgressTotal != nil {
			job.ProgressTotal = tr.ProgressTotal
		}
		job.UpdatedAt = time.Now().UTC()
		jobs[i] = copyJob(job)
		return copyJob(job), nil
	}
	return internal.JobRecord{}, eris.Wrapf(ErrInvalidTransition, "%s/%s does not exist", planID, stage)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func copyJob(job internal.JobRecord) internal.JobRecord {
	job.ProgressCurrent = copyPtr(job.ProgressCurrent)
	job.ProgressTotal = copyPtr(job.ProgressTotal)
	job.TaskID = copyPtr(job.TaskID)
	job.Message = copyPtr(job.Message)
	return job
}

func copyPlan(plan internal.RoutePlan) internal.RoutePlan {
	blob, err := json.Marshal(plan)
	if err != nil {
		return plan
	}
	var out internal.RoutePlan
	if err := json.Unmarshal(blob, &out); err != nil {
		return plan
	}
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
