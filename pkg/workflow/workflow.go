// Package workflow defines the declarative step scripts that drive a booking
// flow against one target site. Scripts are data: site-specific detail lives
// in step parameters and selectors, never in code paths.
package workflow

import (
	"fmt"
	"strings"

	"github.com/odvcencio/bookingd/pkg/driver"
)

// StepKind is the closed set of step actions.
type StepKind string

const (
	StepNavigate StepKind = "navigate"
	StepWait     StepKind = "wait"
	StepInteract StepKind = "interact"
	StepExtract  StepKind = "extract"
)

// FailurePolicy decides what happens after a step exhausts its retries.
type FailurePolicy string

const (
	FailAbort          FailurePolicy = "abort"
	FailRetry          FailurePolicy = "retry"
	FailSkipIfOptional FailurePolicy = "skip_if_optional"
)

// Step is one action in a script plus its success predicate and budget.
type Step struct {
	Name          string            `yaml:"name" json:"name"`
	Kind          StepKind          `yaml:"kind" json:"kind"`
	Params        map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Timeout       Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries    int               `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	OnFailure     FailurePolicy     `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	NonIdempotent bool              `yaml:"non_idempotent,omitempty" json:"non_idempotent,omitempty"`
	// Assert is the success predicate polled after the action. Nil means
	// the action's own completion is the predicate.
	Assert *driver.Condition `yaml:"assert,omitempty" json:"assert,omitempty"`
	// SaveAs names the result slot for extract steps.
	SaveAs string `yaml:"save_as,omitempty" json:"save_as,omitempty"`
}

// Script is an immutable, versioned sequence of steps for one site.
type Script struct {
	ID      string `yaml:"id" json:"id"`
	Site    string `yaml:"site" json:"site"`
	Version int    `yaml:"version" json:"version"`
	Steps   []Step `yaml:"steps" json:"steps"`
}

var validKinds = map[StepKind]struct{}{
	StepNavigate: {},
	StepWait:     {},
	StepInteract: {},
	StepExtract:  {},
}

var validPolicies = map[FailurePolicy]struct{}{
	FailAbort:          {},
	FailRetry:          {},
	FailSkipIfOptional: {},
}

// Validate checks a script before registration. Non-idempotent steps must
// not carry retries: re-attempting an action like a payment submit is never
// safe, so validation forces them to fail hard instead.
func (s *Script) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("script id required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("script %s: at least one step required", s.ID)
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		if _, ok := validKinds[step.Kind]; !ok {
			return fmt.Errorf("script %s step %d: unknown kind %q", s.ID, i, step.Kind)
		}
		if step.OnFailure == "" {
			step.OnFailure = FailAbort
		}
		if _, ok := validPolicies[step.OnFailure]; !ok {
			return fmt.Errorf("script %s step %d: unknown on_failure %q", s.ID, i, step.OnFailure)
		}
		if step.NonIdempotent && step.MaxRetries > 0 {
			return fmt.Errorf("script %s step %d (%s): non-idempotent steps cannot be retried",
				s.ID, i, step.Name)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("script %s step %d: negative max_retries", s.ID, i)
		}
		switch step.Kind {
		case StepNavigate:
			if step.Params["url"] == "" {
				return fmt.Errorf("script %s step %d: navigate requires url param", s.ID, i)
			}
		case StepWait:
			if step.Assert == nil {
				return fmt.Errorf("script %s step %d: wait requires an assert condition", s.ID, i)
			}
		case StepInteract:
			if step.Params["action"] == "" || step.Params["selector"] == "" {
				return fmt.Errorf("script %s step %d: interact requires action and selector params", s.ID, i)
			}
		case StepExtract:
			if step.Params["selector"] == "" {
				return fmt.Errorf("script %s step %d: extract requires selector param", s.ID, i)
			}
		}
	}
	return nil
}

// ExpandParams substitutes {{key}} placeholders in a step's parameters with
// task input values. The script itself is never mutated.
func ExpandParams(step Step, inputs map[string]string) map[string]string {
	if len(step.Params) == 0 {
		return nil
	}
	out := make(map[string]string, len(step.Params))
	for k, v := range step.Params {
		out[k] = expandValue(v, inputs)
	}
	return out
}

func expandValue(value string, inputs map[string]string) string {
	if !strings.Contains(value, "{{") {
		return value
	}
	for k, v := range inputs {
		value = strings.ReplaceAll(value, "{{"+k+"}}", v)
	}
	return value
}
