package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"savery/internal"
	"savery/internal/parsing"
	"savery/internal/util"
)

var ErrPlanNotFound = eris.New("pipeline: plan not found")

// ValidationError reports a rejected submission. Nothing is persisted when
// Submit returns one.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type Orchestrator struct {
	store      JobStore
	parser     *parsing.Parser
	stages     Stages
	pool       *Pool
	statusBase string

	mu        sync.Mutex
	closing   bool
	inflight  sync.WaitGroup
	cancelled sync.Map
}

func NewOrchestrator(store JobStore, parser *parsing.Parser, stages Stages, pool *Pool, statusBase string) *Orchestrator {
	return &Orchestrator{
		store:      store,
		parser:     parser,
		stages:     stages,
		pool:       pool,
		statusBase: strings.TrimRight(strings.TrimSpace(statusBase), "/"),
	}
}

func Validate(req internal.PlanRequest) error {
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Message: "at least one item is required"}
	}
	for i, item := range req.Items {
		if item.Quantity != nil && (*item.Quantity < 0 || math.IsNaN(*item.Quantity) || math.IsInf(*item.Quantity, 0)) {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be a finite number >= 0"}
		}
	}
	if len(req.StoreIDs) == 0 {
		return &ValidationError{Field: "store_ids", Message: "at least one store is required"}
	}
	for i, id := range req.StoreIDs {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: fmt.Sprintf("store_ids[%d]", i), Message: "must not be blank"}
		}
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return &ValidationError{Field: "latitude", Message: "latitude and longitude must be given together"}
	}
	if req.Latitude != nil && (*req.Latitude < -90 || *req.Latitude > 90) {
		return &ValidationError{Field: "latitude", Message: "must be within [-90, 90]"}
	}
	if req.Longitude != nil && (*req.Longitude < -180 || *req.Longitude > 180) {
		return &ValidationError{Field: "longitude", Message: "must be within [-180, 180]"}
	}
	if p := req.Preferences; p != nil {
		if p.CostPriority < 0 || p.CostPriority > 1 || math.IsNaN(p.CostPriority) {
			return &ValidationError{Field: "preferences.cost_priority", Message: "must be within [0, 1]"}
		}
		if p.MaxStores != nil && *p.MaxStores < 1 {
			return &ValidationError{Field: "preferences.max_stores", Message: "must be >= 1"}
		}
	}
	return nil
}

func (o *Orchestrator) Submit(ctx context.Context, req internal.PlanRequest) (internal.SubmitResult, error) {
	if err := Validate(req); err != nil {
		return internal.SubmitResult{}, err
	}

	items := make([]internal.ParsedItem, 0, len(req.Items))
	for _, in := range req.Items {
		items = append(items, o.parser.FromInput(in))
	}

	prefs := internal.DefaultPreferences()
	if req.Preferences != nil {
		prefs = *req.Preferences
	}
	var origin *internal.Coordinates
	if req.Latitude != nil && req.Longitude != nil {
		origin = &internal.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	now := time.Now().UTC()
	plan := internal.RoutePlan{
		ID:          uuid.New().String(),
		ClientToken: req.ClientToken,
		Status:      internal.PlanQueued,
		ItemCount:   len(items),
		StoreIDs:    append([]string(nil), req.StoreIDs...),
		Origin:      origin,
		Preferences: prefs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	jobs := make([]internal.JobRecord, 0, len(internal.Stages))
	for _, stage := range internal.Stages {
		jobs = append(jobs, internal.JobRecord{
			ID:        uuid.New().String(),
			PlanID:    plan.ID,
			Stage:     stage,
			Status:    internal.JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return internal.SubmitResult{}, ErrPoolClosed
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	if err := o.store.CreatePlan(ctx, plan, jobs); err != nil {
		o.inflight.Done()
		return internal.SubmitResult{}, eris.Wrap(err, "pipeline: create plan")
	}

	run := &planRun{o: o, planID: plan.ID}
	input := internal.MatchingInput{
		Plan:     internal.PlanContext{PlanID: plan.ID, Origin: origin, Preferences: prefs},
		Items:    items,
		StoreIDs: plan.StoreIDs,
	}
	if err := o.pool.Submit(func(ctx context.Context) { run.match(ctx, input) }); err != nil {
		o.inflight.Done()
		if delErr := o.store.DeletePlan(context.WithoutCancel(ctx), plan.ID); delErr != nil {
			zap.L().Error("pipeline: remove undispatched plan", zap.String("plan_id", plan.ID), zap.Error(delErr))
		}
		return internal.SubmitResult{}, eris.Wrap(err, "pipeline: dispatch match stage")
	}

	zap.L().Info("plan submitted",
		zap.String("plan_id", plan.ID),
		zap.Int("items", len(items)),
		zap.Int("stores", len(plan.StoreIDs)),
	)
	return internal.SubmitResult{TaskID: plan.ID, StatusURL: o.statusURL(plan.ID)}, nil
}

func (o *Orchestrator) Cancel(ctx context.Context, planID string) (bool, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, eris.Wrapf(ErrPlanNotFound, "%s", planID)
	}
	if isTerminal(plan.Status) {
		return false, nil
	}
	o.cancelled.Store(planID, struct{}{})

	// The plan may have finished, and dropped its flag, since the read above.
	plan, err = o.store.GetPlan(ctx, planID)
	if err != nil || plan == nil || isTerminal(plan.Status) {
		o.cancelled.Delete(planID)
		return false, err
	}
	zap.L().Info("plan cancellation requested", zap.String("plan_id", planID))
	return true, nil
}

func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return o.pool.Close()
	case <-ctx.Done():
		zap.L().Warn("pipeline: shutdown before in-flight plans finished")
		if err := o.pool.Close(); err != nil {
			return err
		}
		return eris.Wrap(ctx.Err(), "pipeline: in-flight plans did not finish")
	}
}

func (o *Orchestrator) statusURL(taskID string) *string {
	if o.statusBase == "" {
		return nil
	}
	return util.StringPtr(o.statusBase + "/" + taskID)
}

func isTerminal(status internal.PlanStatus) bool {
	switch status {
	case internal.PlanSucceeded, internal.PlanFailed, internal.PlanCancelled:
		return true
	}
	return false
}

func (o *Orchestrator) isCancelled(planID string) bool {
	_, ok := o.cancelled.Load(planID)
	return ok
}
