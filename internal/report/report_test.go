package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcprobe/internal/pipeline"
)

func init() { color.NoColor = true }

func TestRegexFilters(t *testing.T) {
	f, err := ParseFilters([]string{"^mark", "stats"}, []string{"confirm"})
	require.NoError(t, err)
	assert.True(t, f.Match("mark-visited"))
	assert.True(t, f.Match("stats"))
	assert.False(t, f.Match("list-servers"))
	assert.False(t, f.Match("confirm-visited"))
	assert.Equal(t, `"^mark" or "stats"`, f.MustMatch.String())
	assert.NotNil(t, f.Filter())

	assert.Nil(t, RegexFilters{}.Filter())
	assert.True(t, RegexFilters{}.Match("anything"))

	_, err = ParseFilters([]string{"("}, nil)
	assert.ErrorContains(t, err, "invalid regex")
}

func TestRegexFiltersCheck(t *testing.T) {
	steps := []pipeline.Step{{Name: "stats"}, {Name: "list-servers"}, {Name: "mark-visited"}}

	assert.NoError(t, RegexFilters{}.Check(steps))

	f, err := ParseFilters([]string{"^mark"}, nil)
	require.NoError(t, err)
	assert.NoError(t, f.Check(steps))

	f, err = ParseFilters([]string{"^stast$"}, nil)
	require.NoError(t, err)
	err = f.Check(steps)
	assert.ErrorIs(t, err, ErrNoneSelected)
	assert.ErrorContains(t, err, `run "^stast$", skip none`)

	f, err = ParseFilters(nil, []string{"."})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Check(steps), ErrNoneSelected)
	assert.NoError(t, f.Check(nil))
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	c := &ConsoleLogger{Out: &buf}
	c.StepStarted(pipeline.Step{Name: "stats"})
	c.StepFinished(pipeline.StepResult{Name: "stats", Required: true, Status: pipeline.StatusFailed, Summary: "returned 500"})
	c.StepSkipped(pipeline.StepResult{Name: "mark-visited", Status: pipeline.StatusSkipped, Summary: "dependency unmet: target"})
	c.StepFinished(pipeline.StepResult{Name: "ok", Status: pipeline.StatusPassed, Summary: "fine"})

	assert.Equal(t, "[stats]\n  FAILED: stats\n    returned 500\n  SKIPPED: mark-visited (dependency unmet: target)\n", buf.String())
}

func TestPrintOutcome(t *testing.T) {
	o := pipeline.Outcome{Steps: []pipeline.StepResult{
		{Name: "stats", Required: true, Status: pipeline.StatusPassed},
		{Name: "confirm", Status: pipeline.StatusFailed, Summary: "not confirmed"},
	}}
	var buf bytes.Buffer
	PrintOutcome(&buf, o)
	out := buf.String()
	assert.Contains(t, out, "Steps: 1 passed, 1 failed, 0 skipped, 0 not run")
	assert.Contains(t, out, "Warnings:\n  confirm: not confirmed")
	assert.Contains(t, out, "All required steps passed")

	buf.Reset()
	PrintOutcome(&buf, pipeline.Outcome{Infra: errors.New("readiness timeout")})
	assert.Contains(t, buf.String(), "Run aborted: readiness timeout")
	assert.Contains(t, buf.String(), "Verification failed")
}

func TestPrintOutcomeListsEveryStep(t *testing.T) {
	o := pipeline.Outcome{Steps: []pipeline.StepResult{
		{Name: "stats", Required: true, Status: pipeline.StatusPassed, Summary: "3 servers, 1 visited"},
		{Name: "list-servers", Required: true, Status: pipeline.StatusFailed, Summary: "returned 500"},
		{Name: "mark-visited", Required: true, Status: pipeline.StatusNotRun, Summary: "not run: required step list-servers failed"},
		{Name: "confirm-visited", Status: pipeline.StatusNotRun, Summary: "not run: required step list-servers failed"},
	}}
	var buf bytes.Buffer
	PrintOutcome(&buf, o)
	out := buf.String()

	require.Contains(t, out, "Results:\n")
	assert.Regexp(t, `stats\s+passed\s+\(required\) 3 servers, 1 visited`, out)
	assert.Regexp(t, `list-servers\s+failed\s+\(required\) returned 500`, out)
	assert.Regexp(t, `mark-visited\s+not-run\s+\(required\)`, out)
	assert.Regexp(t, `confirm-visited\s+not-run\s+\(optional\)`, out)
	assert.Contains(t, out, "Steps: 1 passed, 1 failed, 0 skipped, 2 not run")
	assert.Contains(t, out, "Verification failed")
}

func TestPrintSteps(t *testing.T) {
	var buf bytes.Buffer
	PrintSteps(&buf, []pipeline.Step{
		{Name: "list", Required: true, Produces: []string{"target"}},
		{Name: "mark", Needs: []string{"target"}},
	})
	assert.Equal(t, "1. list (required) produces: target\n2. mark (optional) needs: target\n", buf.String())
}

func TestPrintFilterDescription(t *testing.T) {
	var buf bytes.Buffer
	PrintFilterDescription(&buf, RegexFilters{})
	assert.Empty(t, buf.String())
	f, _ := ParseFilters(nil, []string{"confirm"})
	PrintFilterDescription(&buf, f)
	assert.Contains(t, buf.String(), `skip any matching "confirm"`)
}
