package chromium

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/odvcencio/bookingd/pkg/driver"
)

type chromiumDriver struct {
	id        string
	ctx       context.Context
	stop      context.CancelFunc
	userAgent string

	mu     sync.Mutex
	closed bool
}

func (d *chromiumDriver) ID() string { return d.id }

// handshake starts the browser process, applies the user-agent override and
// verifies the protocol round-trips.
func (d *chromiumDriver) handshake(ctx context.Context) error {
	var two int
	return d.run(ctx,
		emulation.SetUserAgentOverride(d.userAgent),
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate("1+1", &two),
	)
}

func (d *chromiumDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *chromiumDriver) WaitFor(ctx context.Context, cond driver.Condition) error {
	switch cond.Kind {
	case driver.CondVisible:
		return d.run(ctx, chromedp.WaitVisible(cond.Selector, chromedp.ByQuery))
	case driver.CondPresent:
		return d.run(ctx, chromedp.WaitReady(cond.Selector, chromedp.ByQuery))
	case driver.CondTextPresent, driver.CondURLContains:
		return d.run(ctx, chromedp.Poll(conditionExpr(cond), nil,
			chromedp.WithPollingTimeout(0)))
	default:
		return fmt.Errorf("unknown condition kind: %s", cond.Kind)
	}
}

func (d *chromiumDriver) Check(ctx context.Context, cond driver.Condition) (bool, error) {
	var ok bool
	if err := d.run(ctx, chromedp.Evaluate(conditionExpr(cond), &ok)); err != nil {
		return false, err
	}
	return ok, nil
}

// conditionExpr renders a condition as a boolean JS expression. Visibility
// approximates the devtools definition: attached with a non-empty box.
func conditionExpr(cond driver.Condition) string {
	switch cond.Kind {
	case driver.CondVisible:
		return fmt.Sprintf(
			`(() => { const e = document.querySelector(%q); if (!e) return false; const r = e.getBoundingClientRect(); return r.width > 0 && r.height > 0; })()`,
			cond.Selector)
	case driver.CondPresent:
		return fmt.Sprintf(`document.querySelector(%q) !== null`, cond.Selector)
	case driver.CondTextPresent:
		if cond.Selector != "" {
			return fmt.Sprintf(
				`(() => { const e = document.querySelector(%q); return e !== null && e.textContent.includes(%q); })()`,
				cond.Selector, cond.Text)
		}
		return fmt.Sprintf(`document.body !== null && document.body.innerText.includes(%q)`, cond.Text)
	case driver.CondURLContains:
		return fmt.Sprintf(`window.location.href.includes(%q)`, cond.URLPart)
	default:
		return "false"
	}
}

func (d *chromiumDriver) Act(ctx context.Context, action driver.Action) error {
	switch action.Kind {
	case driver.ActionClick:
		return d.run(ctx, chromedp.Click(action.Selector, chromedp.ByQuery))
	case driver.ActionFill:
		return d.run(ctx,
			chromedp.SetValue(action.Selector, action.Value, chromedp.ByQuery))
	case driver.ActionSubmit:
		return d.run(ctx, chromedp.Submit(action.Selector, chromedp.ByQuery))
	case driver.ActionPress:
		return d.run(ctx,
			chromedp.SendKeys(action.Selector, action.Key, chromedp.ByQuery))
	default:
		return fmt.Errorf("unknown action kind: %s", action.Kind)
	}
}

func (d *chromiumDriver) Extract(ctx context.Context, query driver.Query) ([]string, error) {
	var expr string
	if query.All {
		expr = fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).map(e => %s)`,
			query.Selector, valueExpr(query.Attribute))
	} else {
		expr = fmt.Sprintf(
			`(() => { const e = document.querySelector(%q); return e === null ? [] : [(v => v)(%s)]; })()`,
			query.Selector, valueExpr(query.Attribute))
	}
	var out []string
	if err := d.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return nil, err
	}
	if !query.All && len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", driver.ErrNotFound, query.Selector)
	}
	return out, nil
}

func valueExpr(attribute string) string {
	if attribute == "" {
		return "e.textContent.trim()"
	}
	return fmt.Sprintf("(e.getAttribute(%q) || '')", attribute)
}

func (d *chromiumDriver) PageHTML(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (d *chromiumDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *chromiumDriver) Ping(ctx context.Context) error {
	var two int
	if err := d.run(ctx, chromedp.Evaluate("1+1", &two)); err != nil {
		return err
	}
	if two != 2 {
		return driver.WrapError("protocol", "liveness evaluate returned garbage", nil)
	}
	return nil
}

func (d *chromiumDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.stop()
	return nil
}

// run executes chromedp actions under the tab context while honoring the
// caller's context. chromedp only cancels on its own context chain, so the
// caller's cancellation is bridged across.
func (d *chromiumDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return driver.ErrDriverClosed
	}
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	err := chromedp.Run(runCtx, actions...)
	close(done)
	if err == nil {
		return nil
	}
	return d.classify(ctx, err)
}

// classify maps chromedp failures onto driver error kinds. The caller's
// deadline wins over chromedp's cancellation error; a dead tab context means
// the process or connection is gone.
func (d *chromiumDriver) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", driver.ErrCrashed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", driver.ErrWaitTimeout, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "waiting for selector"):
		return fmt.Errorf("%w: %v", driver.ErrNotFound, err)
	case strings.Contains(msg, "websocket"),
		strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "transport"):
		return driver.WrapError("connection_lost", "devtools connection dropped", err)
	}
	return driver.WrapError("protocol", "devtools command failed", err)
}
