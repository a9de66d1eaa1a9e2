package step

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/bookingd/pkg/driver"
	"github.com/odvcencio/bookingd/pkg/driver/drivertest"
	"github.com/odvcencio/bookingd/pkg/workflow"
)

func newFakeDriver(t *testing.T, configure func(*drivertest.Driver)) *drivertest.Driver {
	t.Helper()
	rt := drivertest.NewRuntime()
	rt.Configure = configure
	d, err := rt.NewDriver(context.Background())
	require.NoError(t, err)
	return d.(*drivertest.Driver)
}

func fastExecutor() *Executor {
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	return NewExecutor(cfg, nil)
}

func TestExecuteNavigate(t *testing.T) {
	d := newFakeDriver(t, nil)
	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:   "open",
		Kind:   workflow.StepNavigate,
		Params: map[string]string{"url": "https://example.com/hotel"},
	}, Meta{})

	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, []string{"https://example.com/hotel"}, d.Navigations())
}

func TestExecuteInteractRecordsAction(t *testing.T) {
	d := newFakeDriver(t, nil)
	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name: "accept-cookies",
		Kind: workflow.StepInteract,
		Params: map[string]string{
			"action":   "click",
			"selector": "#onetrust-accept-btn-handler",
		},
	}, Meta{})

	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, d.Actions(), 1)
	assert.Equal(t, driver.ActionClick, d.Actions()[0].Kind)
}

func TestExecuteRetriesRetryableThenSucceeds(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.FailNextActs = 2

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:       "click",
		Kind:       workflow.StepInteract,
		Params:     map[string]string{"action": "click", "selector": "#go"},
		MaxRetries: 5,
	}, Meta{})

	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 3, res.Attempts)
	require.Len(t, d.Actions(), 1)
}

func TestExecuteDoesNotRetryNonIdempotent(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.ActErr = fmt.Errorf("%w: submit lost", driver.ErrWaitTimeout)

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:          "pay",
		Kind:          workflow.StepInteract,
		Params:        map[string]string{"action": "submit", "selector": "#pay"},
		NonIdempotent: true,
	}, Meta{})

	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 1, res.Attempts)
}

func TestExecuteDoesNotRetryCrash(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.Crash()

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:       "open",
		Kind:       workflow.StepNavigate,
		Params:     map[string]string{"url": "https://example.com"},
		MaxRetries: 5,
	}, Meta{})

	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 1, res.Attempts)
	require.True(t, driver.IsCrash(res.Err))
}

func TestExecuteSkipsOptionalStep(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.ActErr = fmt.Errorf("%w: banner absent", driver.ErrNotFound)

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:      "dismiss-banner",
		Kind:      workflow.StepInteract,
		Params:    map[string]string{"action": "click", "selector": ".banner-close"},
		OnFailure: workflow.FailSkipIfOptional,
	}, Meta{})

	require.Equal(t, StatusSkipped, res.Status)
	require.ErrorIs(t, res.Err, driver.ErrNotFound)
}

func TestExecuteOptionalCrashStillFails(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.Crash()

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:      "dismiss-banner",
		Kind:      workflow.StepInteract,
		Params:    map[string]string{"action": "click", "selector": ".banner-close"},
		OnFailure: workflow.FailSkipIfOptional,
	}, Meta{})

	require.Equal(t, StatusFailed, res.Status)
}

func TestExecuteAssertPollsUntilTrue(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.CheckResults = []bool{false, false, true}

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:   "open",
		Kind:   workflow.StepNavigate,
		Params: map[string]string{"url": "https://example.com"},
		Assert: &driver.Condition{Kind: driver.CondVisible, Selector: ".calendar"},
	}, Meta{})

	require.Equal(t, StatusCompleted, res.Status)
}

func TestExecuteStepTimeoutIsRetryable(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.OpDelay = 50 * time.Millisecond

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:    "open",
		Kind:    workflow.StepNavigate,
		Params:  map[string]string{"url": "https://example.com"},
		Timeout: workflow.Duration(5 * time.Millisecond),
	}, Meta{})

	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, driver.ErrWaitTimeout)
	require.True(t, driver.IsRetryable(res.Err))
}

func TestExecuteTaskDeadlineWins(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.OpDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := fastExecutor().Execute(ctx, d, workflow.Step{
		Name:       "open",
		Kind:       workflow.StepNavigate,
		Params:     map[string]string{"url": "https://example.com"},
		MaxRetries: 5,
		OnFailure:  workflow.FailSkipIfOptional,
	}, Meta{})

	// The task deadline is never skippable or retryable.
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 1, res.Attempts)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestExecuteExtractFromDOM(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.SetExtract("span.price", "€120", "€131")

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name:   "prices",
		Kind:   workflow.StepExtract,
		Params: map[string]string{"selector": "span.price", "all": "true"},
		SaveAs: "prices",
	}, Meta{})

	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []string{"€120", "€131"}, res.Values)
}

func TestExecuteExtractFromHTML(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.SetHTML(`<html><body>
		<td class="day" data-price="120">1</td>
		<td class="day" data-price="131">2</td>
	</body></html>`)

	res := fastExecutor().Execute(context.Background(), d, workflow.Step{
		Name: "calendar",
		Kind: workflow.StepExtract,
		Params: map[string]string{
			"selector":  "td.day",
			"attribute": "data-price",
			"all":       "true",
			"source":    "html",
		},
	}, Meta{})

	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []string{"120", "131"}, res.Values)
}

func TestExtractHTMLMissingSelector(t *testing.T) {
	_, err := ExtractHTML("<html><body></body></html>", ".absent", "", false)
	require.ErrorIs(t, err, driver.ErrNotFound)

	values, err := ExtractHTML("<html><body></body></html>", ".absent", "", true)
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(10))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.InDelta(t, float64(400*time.Millisecond), float64(d), float64(400*time.Millisecond)*b.Jitter)
	}
}

func TestNormalizeKeepsDriverErrors(t *testing.T) {
	e := fastExecutor()
	orig := errors.New("protocol error")
	require.Equal(t, orig, e.normalize(context.Background(), orig))
}
