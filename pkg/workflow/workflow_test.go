package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/bookingd/pkg/driver"
)

func validScript() *Script {
	return &Script{
		ID:      "booking-calendar",
		Site:    "booking.com",
		Version: 1,
		Steps: []Step{
			{Name: "open", Kind: StepNavigate, Params: map[string]string{"url": "https://example.com"}},
			{Name: "wait", Kind: StepWait, Assert: &driver.Condition{Kind: driver.CondPresent, Selector: ".x"}},
			{Name: "click", Kind: StepInteract, Params: map[string]string{"action": "click", "selector": ".x"}},
			{Name: "grab", Kind: StepExtract, Params: map[string]string{"selector": ".x"}},
		},
	}
}

func TestValidateAcceptsCompleteScript(t *testing.T) {
	s := validScript()
	require.NoError(t, s.Validate())
	// Default failure policy filled in.
	assert.Equal(t, FailAbort, s.Steps[0].OnFailure)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Script)
	}{
		{"empty id", func(s *Script) { s.ID = " " }},
		{"no steps", func(s *Script) { s.Steps = nil }},
		{"unknown kind", func(s *Script) { s.Steps[0].Kind = "teleport" }},
		{"unknown policy", func(s *Script) { s.Steps[0].OnFailure = "explode" }},
		{"non-idempotent retries", func(s *Script) {
			s.Steps[2].NonIdempotent = true
			s.Steps[2].MaxRetries = 2
		}},
		{"negative retries", func(s *Script) { s.Steps[0].MaxRetries = -1 }},
		{"navigate without url", func(s *Script) { delete(s.Steps[0].Params, "url") }},
		{"wait without assert", func(s *Script) { s.Steps[1].Assert = nil }},
		{"interact without selector", func(s *Script) { delete(s.Steps[2].Params, "selector") }},
		{"extract without selector", func(s *Script) { delete(s.Steps[3].Params, "selector") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validScript()
			tc.mutate(s)
			require.Error(t, s.Validate())
		})
	}
}

func TestExpandParams(t *testing.T) {
	step := Step{
		Kind: StepNavigate,
		Params: map[string]string{
			"url":   "{{url}}?checkin={{checkin}}",
			"plain": "unchanged",
		},
	}
	out := ExpandParams(step, map[string]string{
		"url":     "https://example.com/hotel",
		"checkin": "2026-09-01",
	})
	assert.Equal(t, "https://example.com/hotel?checkin=2026-09-01", out["url"])
	assert.Equal(t, "unchanged", out["plain"])
	// The script's own params are untouched.
	assert.Equal(t, "{{url}}?checkin={{checkin}}", step.Params["url"])
}

func TestScriptYAMLRoundTrip(t *testing.T) {
	raw := `
id: booking-calendar
site: booking.com
version: 2
steps:
  - name: open
    kind: navigate
    params:
      url: "{{url}}"
    timeout: 20s
    max_retries: 1
  - name: banner
    kind: interact
    params:
      action: click
      selector: "#accept"
    on_failure: skip_if_optional
  - name: prices
    kind: extract
    params:
      selector: "td span"
      all: "true"
    save_as: prices
`
	var s Script
	require.NoError(t, yaml.Unmarshal([]byte(raw), &s))
	require.NoError(t, s.Validate())
	assert.Equal(t, 2, s.Version)
	assert.Equal(t, 20*time.Second, s.Steps[0].Timeout.Std())
	assert.Equal(t, FailSkipIfOptional, s.Steps[1].OnFailure)
	assert.Equal(t, "prices", s.Steps[2].SaveAs)
}

func TestDurationParsing(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`1m30s`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.Error(t, yaml.Unmarshal([]byte(`"soon"`), &d))

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))
}

func TestCanonicalURL(t *testing.T) {
	got, err := CanonicalURL("https://www.booking.com/hotel/it/rome.html?aid=123&label=x#map")
	require.NoError(t, err)
	assert.Equal(t, "https://www.booking.com/hotel/it/rome.html", got)

	got, err = CanonicalURL("https://example.com/path/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/path", got)

	_, err = CanonicalURL("not a url")
	require.Error(t, err)
	_, err = CanonicalURL("/relative/only")
	require.Error(t, err)
}

func TestURLHashStable(t *testing.T) {
	a := URLHash("https://example.com/hotel")
	b := URLHash("https://example.com/hotel")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, URLHash("https://example.com/other"))
}
