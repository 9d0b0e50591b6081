package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/settings"
	"github.com/openjules/openjules/model"
)

type fakeStore struct {
	steps []model.MissionStep
	logs  []model.MissionLog
}

func (f *fakeStore) UpdateStep(st *model.MissionStep) error {
	f.steps = append(f.steps, *st)
	return nil
}

func (f *fakeStore) AddLog(l *model.MissionLog) error {
	f.logs = append(f.logs, *l)
	return nil
}

func (f *fakeStore) logsOfType(t model.LogType) []model.MissionLog {
	var out []model.MissionLog
	for _, l := range f.logs {
		if l.Type == t {
			out = append(out, l)
		}
	}
	return out
}

// fakeSandbox scripts command results; results are consumed in order and the
// last one repeats.
type fakeSandbox struct {
	results    []sandbox.ExecResult
	bgResults  []sandbox.ExecResult
	bgErrs     []error
	calls      int
	bgCalls    int
	bgPatterns []string
}

func (f *fakeSandbox) Command(_ context.Context, _, _ string, _ int) sandbox.ExecResult {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]
}

func (f *fakeSandbox) BackgroundCommand(_ context.Context, _, pattern string, _ int) (sandbox.ExecResult, error) {
	idx := f.bgCalls
	f.bgCalls++
	f.bgPatterns = append(f.bgPatterns, pattern)
	if idx >= len(f.bgResults) {
		idx = len(f.bgResults) - 1
	}
	var err error
	if idx < len(f.bgErrs) {
		err = f.bgErrs[idx]
	}
	return f.bgResults[idx], err
}

func newExecutor(store *fakeStore) *Executor {
	g := guard.New(settings.DefaultCommandGuard(), nil, zerolog.Nop())
	e := New(store, g, zerolog.Nop())
	e.BackoffBase = time.Millisecond
	return e
}

func step(cmd string) *model.MissionStep {
	return &model.MissionStep{
		ID:        "step-1",
		MissionID: "mission-1",
		Command:   cmd,
		Status:    model.StepPending,
		TimeoutMs: 5000,
	}
}

func TestExecuteSuccess(t *testing.T) {
	store := &fakeStore{}
	sb := &fakeSandbox{results: []sandbox.ExecResult{{Stdout: "hello\n", ExitCode: 0}}}
	st := step("echo hello")

	res := newExecutor(store).Execute(context.Background(), sb, st)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StepDone, st.Status)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	assert.Equal(t, "hello\n", st.StdoutTail)
	assert.Contains(t, st.ResultSummary, "exit=0")
	require.NotNil(t, st.StartedAt)
	require.NotNil(t, st.FinishedAt)
	require.Len(t, store.logsOfType(model.LogCommand), 1)
	require.Len(t, store.logsOfType(model.LogToolOutput), 1)
}

func TestExecuteGuardBlocked(t *testing.T) {
	store := &fakeStore{}
	sb := &fakeSandbox{results: []sandbox.ExecResult{{ExitCode: 0}}}
	st := step("rm -rf /")

	res := newExecutor(store).Execute(context.Background(), sb, st)

	assert.Equal(t, ExitGuardBlocked, res.ExitCode)
	assert.Equal(t, model.StepBlocked, st.Status)
	assert.Contains(t, st.ResultSummary, "rm-rf-root")
	assert.Zero(t, sb.calls, "blocked command must never reach the sandbox")
	errs := store.logsOfType(model.LogError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "🛡️")
}

func TestExecutePromotedToBackground(t *testing.T) {
	store := &fakeStore{}
	sb := &fakeSandbox{bgResults: []sandbox.ExecResult{{Stdout: "listening on 3000", ExitCode: 0}}}
	st := step("npm start")

	res := newExecutor(store).Execute(context.Background(), sb, st)

	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, st.Background)
	assert.NotEmpty(t, st.ReadyPattern)
	assert.Equal(t, 1, sb.bgCalls)
	assert.Zero(t, sb.calls)
	assert.Equal(t, model.StepDone, st.Status)
}

func TestExecuteBackgroundFailure(t *testing.T) {
	store := &fakeStore{}
	sb := &fakeSandbox{
		bgResults: []sandbox.ExecResult{{Stdout: "partial", ExitCode: -1}},
		bgErrs:    []error{fmt.Errorf("Timeout: ready pattern %q not seen within 3000ms", "NEVER_HAPPENS")},
	}
	st := step("node server.js &")
	st.Background = true
	st.ReadyPattern = "NEVER_HAPPENS"
	st.TimeoutMs = 3000

	res := newExecutor(store).Execute(context.Background(), sb, st)

	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Contains(t, st.StderrTail, "Timeout")
}

func TestExecuteRetryableRecovers(t *testing.T) {
	store := &fakeStore{}
	sb := &fakeSandbox{results: []sandbox.ExecResult{
		{Stderr: "flake", ExitCode: 1},
		{Stderr: "flake", ExitCode: 1},
		{Stdout: "ok", ExitCode: 0},
	}}
	st := step("npm ci")
	st.Retryable = true
	st.MaxRetries = 2

	res := newExecutor(store).Execute(context.Background(), sb, st)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StepDone, st.Status)
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, 3, sb.calls)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	store := &fakeStore{}
	sb := &fakeSandbox{results: []sandbox.ExecResult{{Stderr: "nope", ExitCode: 1}}}
	st := step("npm ci")
	st.Retryable = true

	res := newExecutor(store).Execute(context.Background(), sb, st)

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, DefaultMaxRetries, st.RetryCount)
	assert.Equal(t, 1+DefaultMaxRetries, sb.calls)
}

func TestExecuteTailTruncation(t *testing.T) {
	store := &fakeStore{}
	long := strings.Repeat("x", model.MaxStdoutTail+100) + "FINAL"
	sb := &fakeSandbox{results: []sandbox.ExecResult{{Stdout: long, Stderr: long, ExitCode: 0}}}
	st := step("cat big-file.txt | head -c 100000")

	newExecutor(store).Execute(context.Background(), sb, st)

	assert.Len(t, st.StdoutTail, model.MaxStdoutTail)
	assert.Len(t, st.StderrTail, model.MaxStderrTail)
	assert.True(t, strings.HasPrefix(st.StdoutTail, "..."), "head is elided, not the tail")
	assert.True(t, strings.HasPrefix(st.StderrTail, "..."))
	assert.True(t, strings.HasSuffix(st.StdoutTail, "FINAL"), "the end of the output survives")
	assert.True(t, strings.HasSuffix(st.StderrTail, "FINAL"))
}
