// Package step runs individual workflow steps against a browser driver,
// handling per-step timeouts, retry with backoff, assertion polling and the
// skip policy for optional steps.
package step

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/odvcencio/bookingd/pkg/driver"
	"github.com/odvcencio/bookingd/pkg/telemetry"
	"github.com/odvcencio/bookingd/pkg/workflow"
)

// DefaultTimeout bounds a step that does not declare its own timeout.
const DefaultTimeout = 15 * time.Second

// Status is the outcome of one step execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result records what happened to one step.
type Result struct {
	Name     string            `json:"name"`
	Kind     workflow.StepKind `json:"kind"`
	Status   Status            `json:"status"`
	Attempts int               `json:"attempts"`
	Duration time.Duration     `json:"duration_ns"`
	Values   []string          `json:"values,omitempty"`
	Err      error             `json:"-"`
	Error    string            `json:"error,omitempty"`
}

// Meta identifies the task a step belongs to, for telemetry.
type Meta struct {
	TaskID   string
	Workflow string
	Index    int
}

// Config tunes the executor.
type Config struct {
	// DefaultTimeout applies to steps without an explicit timeout.
	DefaultTimeout time.Duration
	// Backoff paces retries and assertion polls.
	Backoff Backoff
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: DefaultTimeout,
		Backoff:        DefaultBackoff(),
	}
}

// Executor runs steps. Stateless apart from configuration; safe for
// concurrent use across tasks.
type Executor struct {
	cfg Config
	hub *telemetry.Hub
}

// NewExecutor builds an executor. hub may be nil.
func NewExecutor(cfg Config, hub *telemetry.Hub) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Executor{cfg: cfg, hub: hub}
}

// Execute runs one step to completion, retrying retryable failures of
// idempotent steps. A skipped optional step reports StatusSkipped with the
// underlying error preserved; the caller decides whether the task goes on.
func (e *Executor) Execute(ctx context.Context, drv driver.Driver, st workflow.Step, meta Meta) Result {
	start := time.Now()
	res := Result{Name: st.Name, Kind: st.Kind}
	timeout := st.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	e.publish(telemetry.EventStepStarted, st, meta, nil)

	var err error
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		res.Values, err = e.runOnce(stepCtx, drv, st)
		if err == nil && st.Assert != nil && st.Kind != workflow.StepWait {
			err = e.await(stepCtx, drv, *st.Assert)
		}
		cancel()

		if err == nil {
			res.Status = StatusCompleted
			res.Duration = time.Since(start)
			return res
		}
		err = e.normalize(ctx, err)

		if ctx.Err() != nil || driver.IsCrash(err) {
			break
		}
		if attempt >= st.MaxRetries || st.NonIdempotent || !driver.IsRetryable(err) {
			break
		}
		e.publish(telemetry.EventStepRetried, st, meta, err)
		if !sleep(ctx, e.cfg.Backoff.Delay(attempt)) {
			err = e.normalize(ctx, ctx.Err())
			break
		}
	}

	res.Err = err
	res.Error = err.Error()
	res.Duration = time.Since(start)
	if st.OnFailure == workflow.FailSkipIfOptional && ctx.Err() == nil && !driver.IsCrash(err) {
		res.Status = StatusSkipped
		e.publish(telemetry.EventStepSkipped, st, meta, err)
		return res
	}
	res.Status = StatusFailed
	e.publish(telemetry.EventStepFailed, st, meta, err)
	return res
}

// normalize maps a bare step-deadline error to the wait-timeout sentinel so
// the retry policy and the caller see one shape. The task-level deadline is
// left as the caller's ctx error.
func (e *Executor) normalize(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("task deadline: %w", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, driver.ErrWaitTimeout) {
		return fmt.Errorf("%w: %v", driver.ErrWaitTimeout, err)
	}
	return err
}

func (e *Executor) runOnce(ctx context.Context, drv driver.Driver, st workflow.Step) ([]string, error) {
	switch st.Kind {
	case workflow.StepNavigate:
		return nil, drv.Navigate(ctx, st.Params["url"])
	case workflow.StepWait:
		return nil, drv.WaitFor(ctx, *st.Assert)
	case workflow.StepInteract:
		action, err := actionFromParams(st.Params)
		if err != nil {
			return nil, err
		}
		return nil, drv.Act(ctx, action)
	case workflow.StepExtract:
		return e.extract(ctx, drv, st)
	default:
		return nil, fmt.Errorf("unknown step kind %q", st.Kind)
	}
}

// await polls an assertion until it holds or the step deadline fires.
func (e *Executor) await(ctx context.Context, drv driver.Driver, cond driver.Condition) error {
	for attempt := 0; ; attempt++ {
		ok, err := drv.Check(ctx, cond)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !sleep(ctx, e.cfg.Backoff.Delay(attempt)) {
			return fmt.Errorf("%w: assertion %s not satisfied", driver.ErrWaitTimeout, cond.Kind)
		}
	}
}

func actionFromParams(params map[string]string) (driver.Action, error) {
	kind := driver.ActionKind(params["action"])
	switch kind {
	case driver.ActionClick, driver.ActionFill, driver.ActionSubmit, driver.ActionPress:
	default:
		return driver.Action{}, fmt.Errorf("unknown action %q", params["action"])
	}
	return driver.Action{
		Kind:     kind,
		Selector: params["selector"],
		Value:    params["value"],
		Key:      params["key"],
	}, nil
}

func (e *Executor) extract(ctx context.Context, drv driver.Driver, st workflow.Step) ([]string, error) {
	all, _ := strconv.ParseBool(st.Params["all"])
	if st.Params["source"] == "html" {
		html, err := drv.PageHTML(ctx)
		if err != nil {
			return nil, err
		}
		return ExtractHTML(html, st.Params["selector"], st.Params["attribute"], all)
	}
	return drv.Extract(ctx, driver.Query{
		Selector:  st.Params["selector"],
		Attribute: st.Params["attribute"],
		All:       all,
	})
}

func (e *Executor) publish(typ telemetry.EventType, st workflow.Step, meta Meta, err error) {
	if e.hub == nil {
		return
	}
	data := map[string]any{"step": st.Name, "index": meta.Index, "kind": string(st.Kind)}
	if err != nil {
		data["error"] = err.Error()
	}
	e.hub.Publish(telemetry.Event{
		Type:     typ,
		TaskID:   meta.TaskID,
		Workflow: meta.Workflow,
		Data:     data,
	})
}
