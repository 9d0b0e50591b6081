package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/executor"
	"github.com/openjules/openjules/internal/llm"
	"github.com/openjules/openjules/internal/metrics"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/settings"
	"github.com/openjules/openjules/model"
)

// missionRun is the per-mission state of one controller task.
type missionRun struct {
	ctrl     *Controller
	store    Store
	job      *model.Job
	gw       Gateway
	driver   Driver
	exec     *executor.Executor
	inst     Sandbox
	settings settings.Settings
	log      zerolog.Logger

	// lastAnalysis carries the troubleshooter's take on the most recent
	// failure into the next coder prompt.
	lastAnalysis string
	// guardFeedback carries a guard block's reason into the next coder
	// prompt, then resets.
	guardFeedback string
	// userHint is the latest user input consumed mid-execution; it stays
	// attached to coder prompts for the rest of the wave.
	userHint string
}

// provision spawns and initialises the sandbox and seeds it with the
// mission's repository when one is named. Any error here is fatal to the
// mission.
func (r *missionRun) provision(ctx context.Context, m *model.Mission) error {
	inst, err := r.driver.Spawn(ctx, m.ID, r.job.ProjectID, r.job.ID)
	if err != nil {
		return err
	}
	r.inst = inst
	inst.StreamLogs(func(chunk string) {
		r.log.Debug().Msg(strings.TrimRight(chunk, "\n"))
	})
	if err := inst.Init(ctx); err != nil {
		return err
	}
	if m.RepoURL != "" {
		clone := fmt.Sprintf(
			"git clone --depth 1 %s /tmp/seed && rm -rf /tmp/seed/.git && cp -a /tmp/seed/. . && git add -A && git commit -qm 'import repository'",
			shellQuote(m.RepoURL),
		)
		if res := inst.Command(ctx, clone, "", 120_000); res.ExitCode != 0 {
			return fmt.Errorf("cloning repository (exit %d): %s", res.ExitCode, model.Truncate(res.Stderr, 500))
		}
		r.addLog(m.ID, "", model.LogThought, "repository cloned: "+m.RepoURL)
	}
	return nil
}

// loop is the controller loop: reload, dispatch on status, sleep in waiting
// states. Errors from dispatch handlers fail the mission with their message;
// only context and store errors escape.
func (r *missionRun) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := r.store.GetMission(r.job.MissionID)
		if err != nil {
			return fmt.Errorf("reloading mission: %w", err)
		}
		if m.Status.Terminal() {
			return SyncJobStatus(r.store, r.job, m)
		}

		var dispatchErr error
		switch m.Status {
		case model.StatusQueued:
			now := time.Now().UTC()
			m.Status = model.StatusPlanning
			m.StartedAt = &now
			dispatchErr = r.patch(m)
		case model.StatusPlanning:
			dispatchErr = r.plan(ctx, m)
		case model.StatusExecuting:
			dispatchErr = r.executeSteps(ctx, m)
		case model.StatusValidating:
			dispatchErr = r.validate(ctx, m)
		default:
			// Waiting on a human: plan approval, review, pause, input.
			if err := sleepCtx(ctx, r.ctrl.LoopInterval); err != nil {
				return err
			}
		}

		if dispatchErr != nil {
			if isCtxErr(dispatchErr) {
				return dispatchErr
			}
			if err := r.fail(m, dispatchErr.Error()); err != nil {
				return err
			}
		}
	}
}

// plan asks the planner for a new plan wave. Pending steps from earlier
// waves are discarded; finished history is preserved and new steps continue
// the order_index sequence.
func (r *missionRun) plan(ctx context.Context, m *model.Mission) error {
	hint := strings.TrimSpace(m.LatestUserInput)
	if hint != "" {
		r.addLog(m.ID, "", model.LogThought, "user input: "+hint)
		m.LatestUserInput = ""
	}

	tree, pkg, readme := r.repoContext(ctx)
	pc := llm.PlanContext{
		Goal:               m.Goal,
		HasRepo:            m.RepoURL != "",
		FileTree:           tree,
		PackageJSON:        pkg,
		Readme:             readme,
		CustomInstructions: hint,
	}
	plan, resp, err := r.gw.GeneratePlan(ctx, pc, r.settings.Prompts.Planner.Content)
	if err != nil {
		return err
	}
	r.recordUsage(m, settings.RolePlanner, resp)

	if err := r.store.DeletePendingSteps(m.ID); err != nil {
		return fmt.Errorf("discarding pending steps: %w", err)
	}
	next, err := r.store.MaxOrderIndex(m.ID)
	if err != nil {
		return fmt.Errorf("reading order index: %w", err)
	}
	next++

	now := time.Now().UTC()
	for i, ps := range plan.Steps {
		st := &model.MissionStep{
			ID:          uuid.NewString(),
			MissionID:   m.ID,
			OrderIndex:  next + i,
			Description: ps.Description,
			Status:      model.StepPending,
			TimeoutMs:   ps.TimeoutMs,
			Retryable:   ps.Retryable,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if st.TimeoutMs <= 0 {
			st.TimeoutMs = model.DefaultStepTimeoutMs
		}
		if st.Retryable {
			st.MaxRetries = executor.DefaultMaxRetries
		}
		// A background step without a ready pattern cannot complete;
		// demote it to a foreground step.
		if ps.Background && ps.ReadyPattern != "" {
			st.Background = true
			st.ReadyPattern = ps.ReadyPattern
		}
		if err := r.store.CreateStep(st); err != nil {
			return fmt.Errorf("persisting plan step: %w", err)
		}
	}

	m.PlanReasoning = plan.Reasoning
	m.Status = model.StatusWaitingPlanApproval
	r.addLog(m.ID, "", model.LogThought, plan.Reasoning)
	r.log.Info().Int("steps", len(plan.Steps)).Msg("plan ready, awaiting approval")
	return r.patch(m)
}

// executeSteps runs each pending step in order. It yields back to the loop
// when the mission leaves EXECUTING, and returns the exact fail reason when
// a step fails for good.
func (r *missionRun) executeSteps(ctx context.Context, m *model.Mission) error {
	steps, err := r.store.GetSteps(m.ID)
	if err != nil {
		return fmt.Errorf("loading steps: %w", err)
	}

	for i, st := range steps {
		if st.Status != model.StepPending {
			continue
		}

		cur, err := r.waitForActionableStatus(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusExecuting {
			return nil
		}

		if in := strings.TrimSpace(cur.LatestUserInput); in != "" {
			r.addLog(m.ID, "", model.LogThought, "user input: "+in)
			r.userHint = in
			cur.LatestUserInput = ""
			if err := r.patch(cur); err != nil {
				return err
			}
		}

		if strings.TrimSpace(st.Command) == "" {
			r.generateCommand(ctx, cur, steps, i)
		}

		res := r.exec.Execute(ctx, r.inst, st)
		if res.ExitCode == executor.ExitGuardBlocked {
			// The mission keeps executing; the next coder prompt
			// carries the block reason so it steers clear.
			r.guardFeedback = fmt.Sprintf("%s: %s", st.Command, strings.TrimSpace(res.Stderr))
			continue
		}
		if res.ExitCode != 0 && st.Status == model.StepFailed {
			r.troubleshoot(ctx, cur, st, res)
			return fmt.Errorf("Step %d failed.", st.OrderIndex+1)
		}
	}

	// No pending step remains; move on to validation.
	cur, err := r.store.GetMission(m.ID)
	if err != nil {
		return fmt.Errorf("reloading mission: %w", err)
	}
	if cur.Status == model.StatusExecuting {
		cur.Status = model.StatusValidating
		return r.patch(cur)
	}
	return nil
}

// waitForActionableStatus polls every PollInterval until the mission is in a
// state the step loop can act on, and returns the fresh row.
func (r *missionRun) waitForActionableStatus(ctx context.Context, missionID string) (*model.Mission, error) {
	for {
		m, err := r.store.GetMission(missionID)
		if err != nil {
			return nil, err
		}
		switch m.Status {
		case model.StatusExecuting, model.StatusPlanning, model.StatusPaused, model.StatusWaitingInput:
			return m, nil
		}
		if m.Status.Terminal() {
			return m, nil
		}
		if err := sleepCtx(ctx, r.ctrl.PollInterval); err != nil {
			return nil, err
		}
	}
}

// generateCommand asks the coder for the step's shell command. A coder
// failure degrades to a harmless echo so the mission surfaces the problem
// without crashing.
func (r *missionRun) generateCommand(ctx context.Context, m *model.Mission, steps []*model.MissionStep, i int) {
	st := steps[i]
	tree, pkg, _ := r.repoContext(ctx)
	cc := llm.CommandContext{
		Goal:            m.Goal,
		StepIndex:       i,
		Steps:           steps,
		PreviousOutputs: previousOutputs(steps, i),
		FileTree:        tree,
		PackageJSON:     pkg,
		GuardFeedback:   r.guardFeedback,
		UserHint:        r.userHint,
		Analysis:        r.lastAnalysis,
	}
	r.guardFeedback = ""
	cmd, resp, err := r.gw.GenerateStepCommand(ctx, cc)
	if err != nil {
		r.log.Warn().Err(err).Msg("coder failed, using fallback command")
		st.Command = fmt.Sprintf("echo %q", "Coder could not generate command for: "+st.Description)
	} else {
		r.recordUsage(m, settings.RoleCoder, resp)
		st.Command = cmd.Command
		if cmd.Background && cmd.ReadyPattern != "" {
			st.Background = true
			st.ReadyPattern = cmd.ReadyPattern
		}
		if cmd.Reasoning != "" {
			r.addLog(m.ID, st.ID, model.LogThought, cmd.Reasoning)
		}
	}
	if err := r.store.UpdateStep(st); err != nil {
		r.log.Error().Str("step_id", st.ID).Err(err).Msg("persisting command")
	}
}

// troubleshoot records a short recovery analysis for a failed step. The
// analysis feeds the next coder prompt after a replan; a troubleshooter
// outage is only logged.
func (r *missionRun) troubleshoot(ctx context.Context, m *model.Mission, st *model.MissionStep, res sandbox.ExecResult) {
	analysis, resp, err := r.gw.AnalyzeError(ctx, llm.ErrorContext{
		Goal:            m.Goal,
		StepDescription: st.Description,
		Command:         st.Command,
		ExitCode:        res.ExitCode,
		Output:          res.Stderr + res.Stdout,
	})
	if err != nil || analysis == "" {
		if err != nil {
			r.log.Warn().Err(err).Msg("troubleshooter unavailable")
		}
		return
	}
	r.recordUsage(m, settings.RoleTroubleshooter, resp)
	r.lastAnalysis = analysis
	r.addLog(m.ID, st.ID, model.LogError, "troubleshooter: "+analysis)
}

// validate collects the mission's patch into the job result and hands the
// mission to human review.
func (r *missionRun) validate(ctx context.Context, m *model.Mission) error {
	patch, err := r.inst.CreatePatch(ctx)
	if err != nil {
		return fmt.Errorf("creating patch: %v", err)
	}

	r.job.Result = &model.JobResult{
		Patch:   patch,
		Summary: fmt.Sprintf("Mission %s produced a %d-byte patch.", m.ID, len(patch)),
	}

	now := time.Now().UTC()
	m.FinishedAt = &now
	if m.StartedAt != nil {
		m.TotalDurationMs = now.Sub(*m.StartedAt).Milliseconds()
	}
	m.Status = model.StatusWaitingReview
	r.addLog(m.ID, "", model.LogMetric, fmt.Sprintf(`{"patch_bytes":%d,"total_duration_ms":%d}`, len(patch), m.TotalDurationMs))
	r.log.Info().Int("patch_bytes", len(patch)).Msg("mission awaiting review")
	return r.patch(m)
}

// fail transitions the mission to FAILED with the given reason and projects
// the job.
func (r *missionRun) fail(m *model.Mission, reason string) error {
	now := time.Now().UTC()
	m.Status = model.StatusFailed
	m.FailReason = reason
	m.FinishedAt = &now
	if m.StartedAt != nil {
		m.TotalDurationMs = now.Sub(*m.StartedAt).Milliseconds()
	}
	r.addLog(m.ID, "", model.LogError, reason)
	r.log.Error().Str("reason", reason).Msg("mission failed")
	recordTerminal(model.StatusFailed)
	if r.job.LastError == "" {
		r.job.LastError = reason
	}
	return r.patch(m)
}

// patch persists the mission and projects its status onto the job.
func (r *missionRun) patch(m *model.Mission) error {
	if err := r.store.UpdateMission(m); err != nil {
		return fmt.Errorf("persisting mission: %w", err)
	}
	return SyncJobStatus(r.store, r.job, m)
}

func (r *missionRun) recordUsage(m *model.Mission, role string, resp llm.Response) {
	m.TokenUsage.Add(role, resp.Usage)
	if resp.Provider != "" {
		m.AIProvider = resp.Provider
	}
	if resp.Model != "" {
		m.AIModel = resp.Model
	}
	metrics.LLMTokensTotal.WithLabelValues(role, "prompt").Add(float64(resp.Usage.Prompt))
	metrics.LLMTokensTotal.WithLabelValues(role, "completion").Add(float64(resp.Usage.Completion))
	// Scoped write: a control-action patch landing on the same row must
	// not be clobbered by token bookkeeping.
	if err := r.store.UpdateMissionUsage(m.ID, m.TokenUsage, m.AIProvider, m.AIModel); err != nil {
		r.log.Error().Err(err).Msg("persisting token usage")
	}
}

func (r *missionRun) addLog(missionID, stepID string, t model.LogType, content string) {
	l := &model.MissionLog{MissionID: missionID, StepID: stepID, Type: t, Content: content}
	if err := r.store.AddLog(l); err != nil {
		r.log.Error().Err(err).Msg("appending log")
	}
}

// repoContext gathers the working-tree context shared by the planner and
// coder prompts.
func (r *missionRun) repoContext(ctx context.Context) (tree, pkg, readme string) {
	if r.inst == nil {
		return "", "", ""
	}
	res := r.inst.Command(ctx,
		"find . -path ./node_modules -prune -o -path ./.git -prune -o -type f -print | sed 's|^\\./||' | head -200",
		"", 15_000)
	if res.ExitCode == 0 {
		tree = strings.TrimSpace(res.Stdout)
	}
	if b, err := r.inst.ReadFile("repo/package.json"); err == nil {
		pkg = string(b)
	}
	if b, err := r.inst.ReadFile("repo/README.md"); err == nil {
		readme = string(b)
	}
	return tree, pkg, readme
}

// previousOutputs summarises finished steps for the coder prompt.
func previousOutputs(steps []*model.MissionStep, upto int) string {
	var b strings.Builder
	for i := 0; i < upto && i < len(steps); i++ {
		st := steps[i]
		if st.Status != model.StepDone && st.Status != model.StepFailed {
			continue
		}
		out := st.StdoutTail
		if st.StderrTail != "" {
			out += "\n" + st.StderrTail
		}
		fmt.Fprintf(&b, "step %d (%s): %s\n", st.OrderIndex+1, st.Status, model.Truncate(strings.TrimSpace(out), 800))
	}
	return strings.TrimSpace(b.String())
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
