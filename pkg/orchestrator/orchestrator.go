// Package orchestrator runs booking tasks end to end: it resolves the
// workflow, borrows a browser session, drives the steps and publishes the
// result. One task holds at most one session, released on every exit path.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/bookingd/pkg/bus"
	"github.com/odvcencio/bookingd/pkg/driver"
	"github.com/odvcencio/bookingd/pkg/logging"
	"github.com/odvcencio/bookingd/pkg/pool"
	"github.com/odvcencio/bookingd/pkg/snapshot"
	"github.com/odvcencio/bookingd/pkg/step"
	"github.com/odvcencio/bookingd/pkg/telemetry"
	"github.com/odvcencio/bookingd/pkg/workflow"
)

// ErrTaskNotFound is returned for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Config tunes the orchestrator.
type Config struct {
	// DefaultDeadline bounds tasks that do not request their own.
	DefaultDeadline time.Duration
	// MaxDeadline caps what a request may ask for.
	MaxDeadline time.Duration
	// AcquireTimeout bounds the wait for a pool session, independent of the
	// task deadline.
	AcquireTimeout time.Duration
	// ResultCapacity bounds the in-memory result store.
	ResultCapacity int
	// SnapshotTimeout bounds the page capture after a failure.
	SnapshotTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 2 * time.Minute,
		MaxDeadline:     10 * time.Minute,
		AcquireTimeout:  30 * time.Second,
		ResultCapacity:  1000,
		SnapshotTimeout: 5 * time.Second,
	}
}

// Orchestrator coordinates workflows, the session pool and the step
// executor. Safe for concurrent use; the pool bounds task parallelism.
type Orchestrator struct {
	cfg       Config
	registry  *workflow.Registry
	pool      *pool.Pool
	exec      *step.Executor
	snapshots *snapshot.Store
	hub       *telemetry.Hub
	bus       bus.MessageBus
	log       *logging.Logger

	store *resultStore
}

// New wires an orchestrator. snapshots, hub, messageBus and log may be nil.
func New(cfg Config, registry *workflow.Registry, sessions *pool.Pool, exec *step.Executor,
	snapshots *snapshot.Store, hub *telemetry.Hub, messageBus bus.MessageBus, log *logging.Logger) *Orchestrator {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultConfig().DefaultDeadline
	}
	if cfg.MaxDeadline < cfg.DefaultDeadline {
		cfg.MaxDeadline = DefaultConfig().MaxDeadline
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = DefaultConfig().SnapshotTimeout
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		pool:      sessions,
		exec:      exec,
		snapshots: snapshots,
		hub:       hub,
		bus:       messageBus,
		log:       log,
		store:     newResultStore(cfg.ResultCapacity),
	}
}

// Submit runs a task synchronously and returns its final result.
func (o *Orchestrator) Submit(ctx context.Context, req TaskRequest) *TaskResult {
	res := o.begin(req)
	if res.Status == StatusFailed {
		return res
	}
	o.run(ctx, req, res)
	return res
}

// SubmitAsync accepts a task and runs it in the background. The returned
// result is the pending record; poll Get for completion.
func (o *Orchestrator) SubmitAsync(req TaskRequest) *TaskResult {
	res := o.begin(req)
	if res.Status == StatusFailed {
		return res
	}
	pending := *res
	go o.run(context.Background(), req, res)
	return &pending
}

// Get returns the result record for a task ID.
func (o *Orchestrator) Get(id string) (*TaskResult, error) {
	if r, ok := o.store.get(id); ok {
		return r, nil
	}
	return nil, ErrTaskNotFound
}

// Recent returns up to n results, newest first.
func (o *Orchestrator) Recent(n int) []*TaskResult {
	return o.store.recent(n)
}

// begin validates the request and registers the pending record.
func (o *Orchestrator) begin(req TaskRequest) *TaskResult {
	res := &TaskResult{
		ID:        uuid.NewString(),
		Workflow:  req.Workflow,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	if _, ok := o.registry.Get(req.Workflow); !ok {
		res.Status = StatusFailed
		res.ErrorKind = ErrKindWorkflowNotFound
		res.Error = fmt.Sprintf("workflow %q not registered", req.Workflow)
		res.FinishedAt = time.Now()
		o.store.put(res)
		metricTasks.WithLabelValues(string(StatusFailed), string(ErrKindWorkflowNotFound)).Inc()
		return res
	}
	o.store.put(res)
	return res
}

func (o *Orchestrator) run(ctx context.Context, req TaskRequest, res *TaskResult) {
	deadline := req.Deadline.Std()
	if deadline <= 0 {
		deadline = o.cfg.DefaultDeadline
	}
	if deadline > o.cfg.MaxDeadline {
		deadline = o.cfg.MaxDeadline
	}
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	o.publish(telemetry.EventTaskStarted, res, nil)
	o.log.Task(res.ID, res.Workflow, "task_started", "", map[string]any{
		"deadline": deadline.String(),
	})

	script, ok := o.registry.Get(req.Workflow)
	if !ok {
		o.finish(res, ErrKindWorkflowNotFound, fmt.Errorf("workflow %q not registered", req.Workflow))
		return
	}
	req.Inputs = normalizeInputs(req.Inputs)

	acquireCtx := taskCtx
	if o.cfg.AcquireTimeout > 0 {
		var acquireCancel context.CancelFunc
		acquireCtx, acquireCancel = context.WithTimeout(taskCtx, o.cfg.AcquireTimeout)
		defer acquireCancel()
	}
	handle, err := o.pool.Acquire(acquireCtx)
	if err != nil {
		o.finish(res, classifyAcquire(taskCtx, err), err)
		return
	}
	res.SessionID = handle.ID()

	healthy := false
	defer func() {
		if r := recover(); r != nil {
			o.pool.Discard(handle)
			o.finish(res, ErrKindInternal, fmt.Errorf("task panic: %v", r))
			return
		}
		o.pool.Release(handle, healthy)
	}()

	kind, runErr := o.runSteps(taskCtx, handle.Driver(), script, req, res)
	// The session goes back to the pool unless the browser crashed or the
	// deadline fired mid-operation and left it in an unknown state.
	healthy = kind != ErrKindHandleCrashed && kind != ErrKindDeadlineExceeded
	if kind == ErrKindNone {
		o.finish(res, ErrKindNone, nil)
		return
	}
	o.finish(res, kind, runErr)
}

// normalizeInputs canonicalizes a url input, stripping tracking query and
// fragment noise, and derives the url_hash key the same listing always maps
// to. Other inputs pass through untouched.
func normalizeInputs(inputs map[string]string) map[string]string {
	raw, ok := inputs["url"]
	if !ok {
		return inputs
	}
	canonical, err := workflow.CanonicalURL(raw)
	if err != nil {
		return inputs
	}
	out := make(map[string]string, len(inputs)+1)
	for k, v := range inputs {
		out[k] = v
	}
	out["url"] = canonical
	out["url_hash"] = workflow.URLHash(canonical)
	return out
}

func (o *Orchestrator) runSteps(ctx context.Context, drv driver.Driver, script *workflow.Script,
	req TaskRequest, res *TaskResult) (ErrorKind, error) {
	for i, st := range script.Steps {
		st.Params = workflow.ExpandParams(st, req.Inputs)
		sr := o.exec.Execute(ctx, drv, st, step.Meta{
			TaskID:   res.ID,
			Workflow: script.ID,
			Index:    i,
		})
		res.Steps = append(res.Steps, sr)
		metricSteps.WithLabelValues(string(sr.Status)).Inc()

		switch sr.Status {
		case step.StatusCompleted:
			if st.SaveAs != "" && len(sr.Values) > 0 {
				if res.Outputs == nil {
					res.Outputs = make(map[string][]string)
				}
				res.Outputs[st.SaveAs] = sr.Values
			}
		case step.StatusSkipped:
			o.log.Task(res.ID, script.ID, "step_skipped", sr.Name, map[string]any{
				"error": sr.Error,
			})
		case step.StatusFailed:
			kind := classifyStep(ctx, sr.Err)
			if kind != ErrKindHandleCrashed && kind != ErrKindDeadlineExceeded {
				o.captureSnapshot(drv, script.ID, i, sr, res)
			}
			return kind, sr.Err
		}
	}
	return ErrKindNone, nil
}

// captureSnapshot records the page state after a step failure, best effort
// and on its own clock so a dead task context cannot block it.
func (o *Orchestrator) captureSnapshot(drv driver.Driver, workflowID string, stepIndex int,
	sr step.Result, res *TaskResult) {
	if o.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SnapshotTimeout)
	defer cancel()

	capture := snapshot.Capture{
		TaskID:    res.ID,
		Workflow:  workflowID,
		StepIndex: stepIndex,
		StepName:  sr.Name,
		Reason:    sr.Error,
	}
	if html, err := drv.PageHTML(ctx); err == nil {
		capture.HTML = html
	}
	if png, err := drv.Screenshot(ctx); err == nil {
		capture.Screenshot = png
	}
	if capture.HTML == "" && len(capture.Screenshot) == 0 {
		return
	}
	id, err := o.snapshots.Save(capture)
	if err != nil {
		o.log.Error(logging.CategoryTask, "snapshot_failed", err.Error(), map[string]any{
			"task_id": res.ID,
		})
		return
	}
	res.SnapshotID = id
	o.publish(telemetry.EventSnapshotCaptured, res, map[string]any{"snapshot_id": id})
}

func (o *Orchestrator) finish(res *TaskResult, kind ErrorKind, err error) {
	res.FinishedAt = time.Now()
	res.ErrorKind = kind
	if kind == ErrKindNone {
		res.Status = StatusCompleted
	} else {
		res.Status = StatusFailed
		if err != nil {
			res.Error = err.Error()
		}
	}
	o.store.put(res)

	metricTasks.WithLabelValues(string(res.Status), string(kind)).Inc()
	metricTaskDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	if res.Status == StatusCompleted {
		o.publish(telemetry.EventTaskCompleted, res, nil)
		o.log.Task(res.ID, res.Workflow, "task_completed", "", map[string]any{
			"steps": len(res.Steps),
		})
		o.publishBus(bus.SubjectTaskCompleted, res)
		return
	}
	o.publish(telemetry.EventTaskFailed, res, map[string]any{
		"error_kind": string(kind),
		"error":      res.Error,
	})
	o.log.Error(logging.CategoryTask, "task_failed", res.Error, map[string]any{
		"task_id":    res.ID,
		"workflow":   res.Workflow,
		"error_kind": string(kind),
	})
	o.publishBus(bus.SubjectTaskFailed, res)
}

func (o *Orchestrator) publish(typ telemetry.EventType, res *TaskResult, data map[string]any) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(telemetry.Event{
		Type:      typ,
		TaskID:    res.ID,
		SessionID: res.SessionID,
		Workflow:  res.Workflow,
		Data:      data,
	})
}

func (o *Orchestrator) publishBus(subject string, res *TaskResult) {
	if o.bus == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.bus.Publish(ctx, subject, data); err != nil {
		o.log.Warn(logging.CategoryBus, "publish_failed", err.Error(), map[string]any{
			"subject": subject,
		})
	}
}

// classifyAcquire separates "the pool was slow" from "the task ran out of
// time while waiting". taskCtx carries the task deadline; the acquire wait
// has its own shorter timeout, so an expired taskCtx means the deadline, not
// pool pressure, ended the wait.
func classifyAcquire(taskCtx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, pool.ErrUnavailable):
		return ErrKindBrowserUnavailable
	case taskCtx.Err() != nil:
		return ErrKindDeadlineExceeded
	case errors.Is(err, pool.ErrExhausted), errors.Is(err, context.DeadlineExceeded):
		return ErrKindPoolExhausted
	case errors.Is(err, driver.ErrStartupFailed):
		return ErrKindBrowserUnavailable
	default:
		return ErrKindInternal
	}
}

func classifyStep(ctx context.Context, err error) ErrorKind {
	switch {
	case ctx.Err() != nil:
		return ErrKindDeadlineExceeded
	case driver.IsCrash(err):
		return ErrKindHandleCrashed
	case errors.Is(err, driver.ErrWaitTimeout):
		return ErrKindStepTimeout
	default:
		return ErrKindStepFailed
	}
}
