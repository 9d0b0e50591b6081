// Package executor runs one mission step end to end: guard check, optional
// promotion to background, sandbox execution with retry, and persistence of
// the outcome. Step-local failures never escape it; the controller reads the
// persisted step status to decide the mission's fate.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/metrics"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/model"
)

// Synthetic exit codes for non-exec outcomes.
const (
	// ExitExecFailure marks a command that could not be executed at all.
	ExitExecFailure = -1
	// ExitGuardBlocked marks a command the guard refused to run.
	ExitGuardBlocked = -2
)

// DefaultMaxRetries applies to retryable steps that carry no explicit limit.
const DefaultMaxRetries = 2

// Sandbox is the slice of a sandbox instance the executor drives.
type Sandbox interface {
	Command(ctx context.Context, cmd, workdir string, timeoutMs int) sandbox.ExecResult
	BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) (sandbox.ExecResult, error)
}

// Store persists step mutations and the mission's event stream.
type Store interface {
	UpdateStep(*model.MissionStep) error
	AddLog(*model.MissionLog) error
}

// Executor applies the per-step execution policy.
type Executor struct {
	store Store
	guard *guard.Guard
	log   zerolog.Logger

	// BackoffBase is the initial retry delay. Tests shorten it.
	BackoffBase time.Duration
}

// New creates an Executor bound to one mission's guard configuration.
func New(store Store, g *guard.Guard, log zerolog.Logger) *Executor {
	return &Executor{
		store:       store,
		guard:       g,
		log:         log.With().Str("component", "executor").Logger(),
		BackoffBase: 2 * time.Second,
	}
}

// Execute runs the step and persists its terminal state. The returned result
// uses exit code -2 for a guard block and -1 for an exec failure; the caller
// inspects the persisted step status for failure policy.
func (e *Executor) Execute(ctx context.Context, sb Sandbox, st *model.MissionStep) sandbox.ExecResult {
	v := e.guard.Check(ctx, st.Command, st.Background)
	metrics.GuardVerdictsTotal.WithLabelValues(verdictLabel(v)).Inc()

	if !v.Allowed {
		now := time.Now().UTC()
		code := ExitGuardBlocked
		st.Status = model.StepBlocked
		st.FinishedAt = &now
		st.ExitCode = &code
		st.StderrTail = model.Truncate(v.Reason, model.MaxStderrTail)
		st.ResultSummary = fmt.Sprintf("blocked by %s", v.Rule)
		e.persist(st)
		e.addLog(st, model.LogError, fmt.Sprintf("🛡️ command blocked by %s: %s", v.Rule, v.Reason))
		metrics.StepsTotal.WithLabelValues("blocked").Inc()
		return sandbox.ExecResult{Stderr: v.Reason, ExitCode: ExitGuardBlocked}
	}

	if v.PromotedToBackground {
		st.Background = true
		if st.ReadyPattern == "" {
			st.ReadyPattern = v.SuggestedReadyPattern
		}
		e.addLog(st, model.LogThought, fmt.Sprintf("promoted to background (%s), ready pattern %q", v.Rule, st.ReadyPattern))
	}

	start := time.Now().UTC()
	st.Status = model.StepInProgress
	st.StartedAt = &start
	e.persist(st)
	e.addLog(st, model.LogCommand, jsonContent(map[string]any{
		"command":      st.Command,
		"timeoutMs":    st.TimeoutMs,
		"retryable":    st.Retryable,
		"background":   st.Background,
		"readyPattern": st.ReadyPattern,
	}))

	res := e.run(ctx, sb, st)

	finished := time.Now().UTC()
	code := res.ExitCode
	st.FinishedAt = &finished
	st.DurationMs = finished.Sub(start).Milliseconds()
	st.ExitCode = &code
	if code == 0 {
		st.Status = model.StepDone
	} else {
		st.Status = model.StepFailed
	}
	st.StdoutTail = model.TruncateTail(res.Stdout, model.MaxStdoutTail)
	st.StderrTail = model.TruncateTail(res.Stderr, model.MaxStderrTail)
	st.ResultSummary = fmt.Sprintf("exit=%d duration=%dms", code, st.DurationMs)
	e.persist(st)

	e.addLog(st, model.LogToolOutput, jsonContent(map[string]any{
		"exitCode":   code,
		"durationMs": st.DurationMs,
		"retries":    st.RetryCount,
		"stdout":     model.TruncateTail(res.Stdout, 2000),
		"stderr":     model.TruncateTail(res.Stderr, 2000),
	}))
	metrics.StepsTotal.WithLabelValues(string(st.Status)).Inc()
	metrics.SandboxExecSeconds.Observe(float64(st.DurationMs) / 1000)
	return res
}

// run executes the command, wrapping it in exponential backoff when the step
// is retryable. RetryCount tracks retries actually performed.
func (e *Executor) run(ctx context.Context, sb Sandbox, st *model.MissionStep) sandbox.ExecResult {
	attempt := func() sandbox.ExecResult {
		if st.Background && st.ReadyPattern != "" {
			res, err := sb.BackgroundCommand(ctx, st.Command, st.ReadyPattern, st.TimeoutMs)
			if err != nil {
				if res.ExitCode == 0 {
					res.ExitCode = ExitExecFailure
				}
				if res.Stderr != "" {
					res.Stderr += "\n"
				}
				res.Stderr += err.Error()
			}
			return res
		}
		return sb.Command(ctx, st.Command, "", st.TimeoutMs)
	}

	if !st.Retryable {
		return attempt()
	}

	maxRetries := st.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var res sandbox.ExecResult
	op := func() error {
		res = attempt()
		if res.ExitCode != 0 {
			return fmt.Errorf("exit %d", res.ExitCode)
		}
		return nil
	}
	notify := func(err error, delay time.Duration) {
		st.RetryCount++
		e.log.Warn().Str("step_id", st.ID).Int("retry", st.RetryCount).Dur("delay", delay).Err(err).Msg("retrying step")
	}
	_ = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx), notify)
	return res
}

func (e *Executor) persist(st *model.MissionStep) {
	if err := e.store.UpdateStep(st); err != nil {
		e.log.Error().Str("step_id", st.ID).Err(err).Msg("persisting step")
	}
}

func (e *Executor) addLog(st *model.MissionStep, t model.LogType, content string) {
	l := &model.MissionLog{MissionID: st.MissionID, StepID: st.ID, Type: t, Content: content}
	if err := e.store.AddLog(l); err != nil {
		e.log.Error().Str("step_id", st.ID).Err(err).Msg("appending log")
	}
}

func verdictLabel(v guard.Verdict) string {
	switch {
	case !v.Allowed:
		return "deny"
	case v.PromotedToBackground:
		return "promote"
	default:
		return "allow"
	}
}

func jsonContent(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
