package driver

import "context"

// Runtime creates browser drivers.
type Runtime interface {
	NewDriver(ctx context.Context) (Driver, error)
	Close() error
}

// Driver is the port implemented by browser adapters. One Driver owns one
// live browser connection. All calls block until the underlying operation
// completes or the context is done; adapters translate the driver protocol's
// own event model behind this boundary.
type Driver interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, cond Condition) error
	Check(ctx context.Context, cond Condition) (bool, error)
	Act(ctx context.Context, action Action) error
	Extract(ctx context.Context, query Query) ([]string, error)
	PageHTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConditionKind identifies what a wait condition checks.
type ConditionKind string

const (
	CondVisible     ConditionKind = "visible"
	CondPresent     ConditionKind = "present"
	CondTextPresent ConditionKind = "text_present"
	CondURLContains ConditionKind = "url_contains"
)

// Condition describes a page state to wait for.
type Condition struct {
	Kind     ConditionKind `yaml:"kind" json:"kind"`
	Selector string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text     string        `yaml:"text,omitempty" json:"text,omitempty"`
	URLPart  string        `yaml:"url_part,omitempty" json:"url_part,omitempty"`
}

// ActionKind represents the supported page actions.
type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionFill   ActionKind = "fill"
	ActionSubmit ActionKind = "submit"
	ActionPress  ActionKind = "press"
)

// Action is a request to interact with an element.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Selector string     `json:"selector"`
	Value    string     `json:"value,omitempty"`
	Key      string     `json:"key,omitempty"`
}

// Query selects element text or attributes out of the live page.
type Query struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	All       bool   `json:"all,omitempty"`
}
