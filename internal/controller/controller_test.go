package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjules/openjules/internal/config"
	"github.com/openjules/openjules/internal/executor"
	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/llm"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/settings"
	"github.com/openjules/openjules/model"
	"github.com/openjules/openjules/store/sqlite"
)

// fakeGateway scripts planner/coder/troubleshooter answers.
type fakeGateway struct {
	mu sync.Mutex
	// plans are returned in order; the last one repeats.
	plans []llm.Plan
	// commands maps a step-description substring to the coder's answer.
	commands map[string]llm.StepCommand
	planErr  error

	planCalls    int
	planContexts []llm.PlanContext
	cmdContexts  []llm.CommandContext
}

func (f *fakeGateway) GeneratePlan(_ context.Context, pc llm.PlanContext, _ string) (llm.Plan, llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planContexts = append(f.planContexts, pc)
	idx := f.planCalls
	f.planCalls++
	if f.planErr != nil {
		return llm.Plan{}, llm.Response{}, f.planErr
	}
	if idx >= len(f.plans) {
		idx = len(f.plans) - 1
	}
	resp := llm.Response{Usage: model.TokenCounts{Prompt: 100, Completion: 50, Total: 150}, Model: "test-model", Provider: "test"}
	return f.plans[idx], resp, nil
}

func (f *fakeGateway) GenerateStepCommand(_ context.Context, cc llm.CommandContext) (llm.StepCommand, llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmdContexts = append(f.cmdContexts, cc)
	resp := llm.Response{Usage: model.TokenCounts{Prompt: 40, Completion: 10, Total: 50}, Model: "test-model", Provider: "test"}
	desc := cc.Steps[cc.StepIndex].Description
	for marker, cmd := range f.commands {
		if strings.Contains(desc, marker) {
			return cmd, resp, nil
		}
	}
	return llm.StepCommand{Command: "echo ok", Reasoning: "default"}, resp, nil
}

func (f *fakeGateway) AnalyzeError(_ context.Context, _ llm.ErrorContext) (string, llm.Response, error) {
	resp := llm.Response{Usage: model.TokenCounts{Prompt: 20, Completion: 5, Total: 25}, Model: "test-model", Provider: "test"}
	return "The command failed; inspect the error output and adjust the approach.", resp, nil
}

func (f *fakeGateway) ReviewCommand(context.Context, string, bool) (guard.ReviewResult, error) {
	return guard.ReviewResult{}, fmt.Errorf("no review provider in tests")
}

// fakeSandbox scripts exec results by command substring.
type fakeSandbox struct {
	mu      sync.Mutex
	results map[string]sandbox.ExecResult
	bgSeen  []string
	patch   string
}

func (f *fakeSandbox) lookup(cmd string) (sandbox.ExecResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for marker, res := range f.results {
		if strings.Contains(cmd, marker) {
			return res, true
		}
	}
	return sandbox.ExecResult{}, false
}

func (f *fakeSandbox) Command(_ context.Context, cmd, _ string, _ int) sandbox.ExecResult {
	if res, ok := f.lookup(cmd); ok {
		return res
	}
	return sandbox.ExecResult{Stdout: "ok\n", ExitCode: 0}
}

func (f *fakeSandbox) BackgroundCommand(_ context.Context, cmd, pattern string, _ int) (sandbox.ExecResult, error) {
	f.mu.Lock()
	f.bgSeen = append(f.bgSeen, cmd+" :: "+pattern)
	f.mu.Unlock()
	if res, ok := f.lookup(cmd); ok {
		if res.ExitCode != 0 {
			return res, fmt.Errorf("Timeout: ready pattern %q not seen", pattern)
		}
		return res, nil
	}
	return sandbox.ExecResult{Stdout: "listening on 3000\n", ExitCode: 0}, nil
}

func (f *fakeSandbox) Init(context.Context) error      { return nil }
func (f *fakeSandbox) StreamLogs(sandbox.LogSink)      {}
func (f *fakeSandbox) ReadFile(string) ([]byte, error) { return nil, fmt.Errorf("not found") }

func (f *fakeSandbox) CreatePatch(context.Context) (string, error) {
	if f.patch == "" {
		return "diff --git a/index.js b/index.js\n+console.log('hello')\n", nil
	}
	return f.patch, nil
}

// fakeDriver hands out one fakeSandbox and counts teardowns.
type fakeDriver struct {
	mu        sync.Mutex
	sb        *fakeSandbox
	spawnErr  error
	spawns    int
	teardowns int
}

func (f *fakeDriver) Spawn(_ context.Context, _, _, _ string) (Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawns++
	return f.sb, nil
}

func (f *fakeDriver) Teardown(context.Context, string) {
	f.mu.Lock()
	f.teardowns++
	f.mu.Unlock()
}

func (f *fakeDriver) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

type harness struct {
	store  *sqlite.Store
	ctrl   *Controller
	gw     *fakeGateway
	driver *fakeDriver
}

func newHarness(t *testing.T, gw *fakeGateway, driver *fakeDriver) *harness {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctrl := New(st, config.Config{}, zerolog.Nop()).WithFactories(
		func(settings.AI) Gateway { return gw },
		func(sandbox.Config) Driver { return driver },
	)
	ctrl.LoopInterval = 10 * time.Millisecond
	ctrl.PollInterval = 5 * time.Millisecond
	ctrl.BackoffBase = time.Millisecond
	ctrl.HeartbeatInterval = 10 * time.Millisecond
	return &harness{store: st, ctrl: ctrl, gw: gw, driver: driver}
}

func (h *harness) seed(t *testing.T, goal, repoURL string) (*model.Mission, *model.Job) {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Mission{ID: uuid.NewString(), ProjectID: "proj-1", Goal: goal, RepoURL: repoURL, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateMission(m))
	j := &model.Job{ID: uuid.NewString(), ProjectID: "proj-1", MissionID: m.ID, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateJob(j))
	return m, j
}

// start runs the controller in the background and returns a channel with its
// exit error.
func (h *harness) start(ctx context.Context, jobID string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, jobID) }()
	return done
}

func (h *harness) waitStatus(t *testing.T, missionID string, want model.MissionStatus) *model.Mission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := h.store.GetMission(missionID)
		require.NoError(t, err)
		if m.Status == want {
			return m
		}
		if m.Status.Terminal() && !want.Terminal() {
			t.Fatalf("mission reached %s (fail_reason=%q) while waiting for %s", m.Status, m.FailReason, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mission never reached %s", want)
	return nil
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not exit")
		return nil
	}
}

func plan(descs ...string) llm.Plan {
	p := llm.Plan{Reasoning: "scripted plan"}
	for _, d := range descs {
		p.Steps = append(p.Steps, llm.PlanStep{Description: d})
	}
	return p
}

func TestHappyPathNoRepo(t *testing.T) {
	gw := &fakeGateway{plans: []llm.Plan{plan(
		"create the project skeleton",
		"implement the hello world api",
		"add a start script",
		"produce final diff",
	)}}
	driver := &fakeDriver{sb: &fakeSandbox{}}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "create a simple nodejs helloworld api", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	_, err := ApplyAction(h.store, m.ID, Action{PlanAction: "approve"})
	require.NoError(t, err)

	got := h.waitStatus(t, m.ID, model.StatusWaitingReview)
	require.NotNil(t, got.FinishedAt)
	assert.GreaterOrEqual(t, got.TotalDurationMs, int64(0))
	assert.Equal(t, "test", got.AIProvider)
	assert.Equal(t, "test-model", got.AIModel)

	// Token usage: the total bucket equals the sum over roles.
	var sum model.TokenCounts
	for _, c := range got.TokenUsage.ByRole {
		sum.Prompt += c.Prompt
		sum.Completion += c.Completion
		sum.Total += c.Total
	}
	assert.Equal(t, sum, got.TokenUsage.Total)

	steps, err := h.store.GetSteps(m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for i, st := range steps {
		assert.Equal(t, i, st.OrderIndex, "order_index must be gap-free")
		assert.Equal(t, model.StepDone, st.Status)
	}

	job, err := h.store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobWaitingReview, job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, strings.HasPrefix(job.Result.Patch, "diff --git"))
	assert.NotNil(t, job.HeartbeatAt)

	_, err = ApplyAction(h.store, m.ID, Action{ReviewAction: "approve", Summary: "looks good"})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, done))

	got, err = h.store.GetMission(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "looks good", got.ResultSummary)
	job, err = h.store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, 1, driver.teardownCount(), "sandbox must be torn down")
}

func TestGuardBlockedStepDoesNotFailMission(t *testing.T) {
	gw := &fakeGateway{
		plans: []llm.Plan{plan("dangerous cleanup", "write the readme")},
		commands: map[string]llm.StepCommand{
			"dangerous": {Command: "rm -rf /", Reasoning: "oops"},
		},
	}
	driver := &fakeDriver{sb: &fakeSandbox{}}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "clean up and document", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)
	defer func() { cancel(); <-done }()

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	_, err := ApplyAction(h.store, m.ID, Action{PlanAction: "approve"})
	require.NoError(t, err)

	h.waitStatus(t, m.ID, model.StatusWaitingReview)
	steps, err := h.store.GetSteps(m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepBlocked, steps[0].Status)
	assert.Contains(t, steps[0].ResultSummary, "rm-rf-root")
	assert.Equal(t, model.StepDone, steps[1].Status, "mission proceeds past a blocked step")
}

func TestStepFailureFailsMission(t *testing.T) {
	gw := &fakeGateway{
		plans: []llm.Plan{plan("run the failing build")},
		commands: map[string]llm.StepCommand{
			"failing": {Command: "make build-broken"},
		},
	}
	sb := &fakeSandbox{results: map[string]sandbox.ExecResult{
		"make build-broken": {Stderr: "compile error\n", ExitCode: 2},
	}}
	driver := &fakeDriver{sb: sb}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "build the project", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	_, err := ApplyAction(h.store, m.ID, Action{PlanAction: "approve"})
	require.NoError(t, err)

	got := h.waitStatus(t, m.ID, model.StatusFailed)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, "Step 1 failed.", got.FailReason)
	require.NotNil(t, got.FinishedAt)

	job, err := h.store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "Step 1 failed.", job.LastError)
	assert.Equal(t, 1, driver.teardownCount())
}

func TestBackgroundReadyTimeoutFailsMission(t *testing.T) {
	gw := &fakeGateway{
		plans: []llm.Plan{{
			Reasoning: "serve",
			Steps: []llm.PlanStep{{
				Description:  "start the dev server",
				Background:   true,
				ReadyPattern: "NEVER_HAPPENS",
				TimeoutMs:    3000,
			}},
		}},
		commands: map[string]llm.StepCommand{
			"dev server": {Command: "exec-dev-server", Background: true, ReadyPattern: "NEVER_HAPPENS"},
		},
	}
	sb := &fakeSandbox{results: map[string]sandbox.ExecResult{
		"exec-dev-server": {Stdout: "booting\n", ExitCode: -1},
	}}
	driver := &fakeDriver{sb: sb}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "run the dev server", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	_, err := ApplyAction(h.store, m.ID, Action{PlanAction: "approve"})
	require.NoError(t, err)

	got := h.waitStatus(t, m.ID, model.StatusFailed)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, "Step 1 failed.", got.FailReason)

	steps, err := h.store.GetSteps(m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].StderrTail, "Timeout")
}

func TestAutoPromotionToBackground(t *testing.T) {
	gw := &fakeGateway{
		plans: []llm.Plan{plan("start the server")},
		commands: map[string]llm.StepCommand{
			"start the server": {Command: "npm start"},
		},
	}
	sb := &fakeSandbox{}
	driver := &fakeDriver{sb: sb}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "serve the app", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)
	defer func() { cancel(); <-done }()

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	_, err := ApplyAction(h.store, m.ID, Action{PlanAction: "approve"})
	require.NoError(t, err)

	h.waitStatus(t, m.ID, model.StatusWaitingReview)
	steps, err := h.store.GetSteps(m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepDone, steps[0].Status)
	assert.True(t, steps[0].Background, "guard must promote npm start to background")
	assert.NotEmpty(t, steps[0].ReadyPattern)
	require.Len(t, sb.bgSeen, 1)
	assert.Contains(t, sb.bgSeen[0], "npm start")
}

func TestCoderReceivesGuardFeedbackAndHint(t *testing.T) {
	gw := &fakeGateway{commands: map[string]llm.StepCommand{
		"dangerous": {Command: "rm -rf /"},
	}}
	sb := &fakeSandbox{}
	h := newHarness(t, gw, &fakeDriver{sb: sb})
	m, j := h.seed(t, "clean up and document", "")

	// Mission mid-execution with pending user input, as after a resume
	// carrying a message.
	m.Status = model.StatusExecuting
	m.LatestUserInput = "keep the docs folder"
	require.NoError(t, h.store.UpdateMission(m))

	now := time.Now().UTC()
	for i, desc := range []string{"dangerous cleanup", "write the readme"} {
		require.NoError(t, h.store.CreateStep(&model.MissionStep{
			ID: uuid.NewString(), MissionID: m.ID, OrderIndex: i,
			Description: desc, Status: model.StepPending,
			TimeoutMs: model.DefaultStepTimeoutMs, CreatedAt: now, UpdatedAt: now,
		}))
	}

	grd := guard.New(settings.DefaultCommandGuard(), nil, zerolog.Nop())
	exec := executor.New(h.store, grd, zerolog.Nop())
	exec.BackoffBase = time.Millisecond
	r := &missionRun{ctrl: h.ctrl, store: h.store, job: j, gw: gw, exec: exec, inst: sb, log: zerolog.Nop()}

	require.NoError(t, r.executeSteps(context.Background(), m))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.cmdContexts, 2)
	assert.Equal(t, "keep the docs folder", gw.cmdContexts[0].UserHint)
	assert.Empty(t, gw.cmdContexts[0].GuardFeedback)

	// Step 1 gets blocked; step 2's prompt carries the block reason and
	// the hint survives the block.
	assert.Contains(t, gw.cmdContexts[1].GuardFeedback, "rm -rf /")
	assert.Contains(t, gw.cmdContexts[1].GuardFeedback, "recursive force-delete")
	assert.Equal(t, "keep the docs folder", gw.cmdContexts[1].UserHint)

	got, err := h.store.GetMission(m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LatestUserInput, "hint is consumed from the row")
}

func TestReplanOnUserInput(t *testing.T) {
	gw := &fakeGateway{plans: []llm.Plan{
		plan("scaffold a javascript project", "write index.js"),
		plan("scaffold a TypeScript project", "write index.ts", "configure the TypeScript compiler"),
	}}
	driver := &fakeDriver{sb: &fakeSandbox{}}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "create an api", "")

	// Pre-existing finished history from an earlier wave must survive.
	now := time.Now().UTC()
	doneStep := &model.MissionStep{
		ID: uuid.NewString(), MissionID: m.ID, OrderIndex: 0,
		Description: "clone the repository", Status: model.StepDone,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateStep(doneStep))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)
	defer func() { cancel(); <-done }()

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	steps, err := h.store.GetSteps(m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3, "history plus first wave")
	assert.Equal(t, 1, steps[1].OrderIndex, "wave continues after existing history")

	_, err = ApplyAction(h.store, m.ID, Action{ControlAction: "input", Message: "use TypeScript"})
	require.NoError(t, err)

	// The controller replans; wait for the second approval gate.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		gw.mu.Lock()
		calls := gw.planCalls
		gw.mu.Unlock()
		if calls >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	assert.Empty(t, got.LatestUserInput, "input is consumed by the replan")

	gw.mu.Lock()
	require.GreaterOrEqual(t, len(gw.planContexts), 2)
	assert.Equal(t, "use TypeScript", gw.planContexts[len(gw.planContexts)-1].CustomInstructions)
	gw.mu.Unlock()

	steps, err = h.store.GetSteps(m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4, "history step plus three new steps")
	assert.Equal(t, model.StepDone, steps[0].Status, "finished history is preserved")
	var tsSteps int
	for _, st := range steps[1:] {
		assert.Equal(t, model.StepPending, st.Status)
		if strings.Contains(st.Description, "TypeScript") {
			tsSteps++
		}
	}
	assert.Equal(t, 2, tsSteps)
}

func TestPlanRejectFailsMission(t *testing.T) {
	gw := &fakeGateway{plans: []llm.Plan{plan("do the thing")}}
	driver := &fakeDriver{sb: &fakeSandbox{}}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "goal", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)

	h.waitStatus(t, m.ID, model.StatusWaitingPlanApproval)
	_, err := ApplyAction(h.store, m.ID, Action{PlanAction: "reject", Message: "wrong direction"})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, done))

	got, err := h.store.GetMission(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "wrong direction", got.FailReason)
	job, err := h.store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
}

func TestPlannerErrorFailsMission(t *testing.T) {
	gw := &fakeGateway{planErr: fmt.Errorf("planner: provider unavailable")}
	driver := &fakeDriver{sb: &fakeSandbox{}}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "goal", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)

	got := h.waitStatus(t, m.ID, model.StatusFailed)
	require.NoError(t, waitDone(t, done))
	assert.Contains(t, got.FailReason, "planner")
	assert.Equal(t, 1, driver.teardownCount())
	_ = j
}

func TestSpawnFailureFailsMissionAndTearsDown(t *testing.T) {
	gw := &fakeGateway{plans: []llm.Plan{plan("anything")}}
	driver := &fakeDriver{sb: &fakeSandbox{}, spawnErr: fmt.Errorf("image pull failed")}
	h := newHarness(t, gw, driver)
	m, j := h.seed(t, "goal", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx, j.ID)

	got := h.waitStatus(t, m.ID, model.StatusFailed)
	require.NoError(t, waitDone(t, done))
	assert.Contains(t, got.FailReason, "image pull failed")
	assert.Equal(t, 1, driver.teardownCount(), "teardown runs even when spawn fails")

	job, err := h.store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
}
