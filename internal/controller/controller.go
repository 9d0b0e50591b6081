// Package controller drives a mission through its state machine: planning,
// plan approval, step execution, validation and review. One controller task
// owns one job; missions are the unit of isolation, so controllers never
// coordinate with each other.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/config"
	"github.com/openjules/openjules/internal/executor"
	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/llm"
	"github.com/openjules/openjules/internal/metrics"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/settings"
	"github.com/openjules/openjules/model"
)

// Store is the persistence surface the controller drives. *sqlite.Store
// satisfies it.
type Store interface {
	GetMission(id string) (*model.Mission, error)
	UpdateMission(*model.Mission) error
	UpdateMissionUsage(id string, usage model.TokenUsage, provider, aiModel string) error
	GetSteps(missionID string) ([]*model.MissionStep, error)
	CreateStep(*model.MissionStep) error
	UpdateStep(*model.MissionStep) error
	DeletePendingSteps(missionID string) error
	MaxOrderIndex(missionID string) (int, error)
	AddLog(*model.MissionLog) error
	GetJob(id string) (*model.Job, error)
	GetJobForMission(missionID string) (*model.Job, error)
	NextPendingJob() (*model.Job, error)
	UpdateJob(*model.Job) error
	TouchJobHeartbeat(id string, at time.Time) error
	GetSettings(projectID string) (map[string]json.RawMessage, error)
}

// Gateway is the slice of the LLM gateway the controller consumes.
// *llm.Gateway satisfies it.
type Gateway interface {
	GeneratePlan(ctx context.Context, pc llm.PlanContext, systemOverride string) (llm.Plan, llm.Response, error)
	GenerateStepCommand(ctx context.Context, cc llm.CommandContext) (llm.StepCommand, llm.Response, error)
	AnalyzeError(ctx context.Context, ec llm.ErrorContext) (string, llm.Response, error)
	ReviewCommand(ctx context.Context, command string, isBackground bool) (guard.ReviewResult, error)
}

// Sandbox is one live per-mission sandbox as the controller sees it.
type Sandbox interface {
	executor.Sandbox
	Init(ctx context.Context) error
	StreamLogs(sink sandbox.LogSink)
	ReadFile(rel string) ([]byte, error)
	CreatePatch(ctx context.Context) (string, error)
}

// Driver provisions and tears down sandboxes.
type Driver interface {
	Spawn(ctx context.Context, missionID, projectID, jobID string) (Sandbox, error)
	Teardown(ctx context.Context, missionID string)
}

// GatewayFactory builds the LLM gateway for one mission's AI settings.
type GatewayFactory func(ai settings.AI) Gateway

// DriverFactory builds the sandbox driver for one mission's execution
// settings.
type DriverFactory func(cfg sandbox.Config) Driver

// Controller runs missions. Loop cadence fields are variables so tests can
// shrink them.
type Controller struct {
	store      Store
	cfg        config.Config
	newGateway GatewayFactory
	newDriver  DriverFactory
	log        zerolog.Logger

	// LoopInterval is the sleep between iterations in waiting states.
	LoopInterval time.Duration
	// PollInterval is the mission status poll inside the step loop.
	PollInterval time.Duration
	// BackoffBase seeds the executor's retry delay.
	BackoffBase time.Duration
	// HeartbeatInterval is the cadence of job heartbeat bumps.
	HeartbeatInterval time.Duration
}

// New creates a Controller with the real Docker driver and LLM gateway.
func New(store Store, cfg config.Config, log zerolog.Logger) *Controller {
	c := &Controller{
		store:             store,
		cfg:               cfg,
		log:               log.With().Str("component", "controller").Logger(),
		LoopInterval:      2 * time.Second,
		PollInterval:      1 * time.Second,
		BackoffBase:       2 * time.Second,
		HeartbeatInterval: 2 * time.Second,
	}
	c.newGateway = func(ai settings.AI) Gateway { return llm.NewGateway(ai, log) }
	c.newDriver = func(sc sandbox.Config) Driver { return dockerDriver{sandbox.NewDriver(sc, nil, log)} }
	return c
}

// WithFactories substitutes the gateway and driver constructors, used by
// tests.
func (c *Controller) WithFactories(g GatewayFactory, d DriverFactory) *Controller {
	if g != nil {
		c.newGateway = g
	}
	if d != nil {
		c.newDriver = d
	}
	return c
}

// dockerDriver adapts *sandbox.Driver to the Driver interface.
type dockerDriver struct {
	d *sandbox.Driver
}

func (d dockerDriver) Spawn(ctx context.Context, missionID, projectID, jobID string) (Sandbox, error) {
	inst, err := d.d.Spawn(ctx, missionID, projectID, jobID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (d dockerDriver) Teardown(ctx context.Context, missionID string) {
	d.d.Teardown(ctx, missionID)
}

// Run drives one job's mission until a terminal status or context
// cancellation. The sandbox is torn down on every exit path.
func (c *Controller) Run(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	log := c.log.With().Str("job_id", job.ID).Str("mission_id", job.MissionID).Logger()

	if job.MissionID == "" {
		return c.failJob(job, "job has no mission")
	}
	if job.Status != model.JobRunning {
		now := time.Now().UTC()
		job.Status = model.JobRunning
		job.StartedAt = &now
		if err := c.store.UpdateJob(job); err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, job.ID)

	raw, err := c.store.GetSettings(job.ProjectID)
	if err != nil {
		return c.failJob(job, fmt.Sprintf("loading settings: %v", err))
	}
	projSettings, err := settings.FromRaw(raw)
	if err != nil {
		return c.failJob(job, fmt.Sprintf("parsing settings: %v", err))
	}

	gw := c.newGateway(c.mergeAI(projSettings.AI))
	grd := guard.New(projSettings.Execution.CommandGuard, gw.ReviewCommand, log)
	driver := c.newDriver(c.sandboxConfig(projSettings.Execution))

	exec := executor.New(c.store, grd, log)
	exec.BackoffBase = c.BackoffBase

	r := &missionRun{
		ctrl:     c,
		store:    c.store,
		job:      job,
		gw:       gw,
		driver:   driver,
		exec:     exec,
		settings: projSettings,
		log:      log,
	}

	// Teardown must run even when ctx is already cancelled, so it gets a
	// fresh context.
	defer driver.Teardown(context.Background(), job.MissionID)

	m, err := c.store.GetMission(job.MissionID)
	if err != nil {
		return c.failJob(job, fmt.Sprintf("loading mission: %v", err))
	}
	if m.Status.Terminal() {
		return SyncJobStatus(c.store, job, m)
	}

	if err := r.provision(ctx, m); err != nil {
		if isCtxErr(err) {
			return err
		}
		// SandboxFatal: the mission cannot run at all.
		return r.fail(m, fmt.Sprintf("sandbox: %v", err))
	}
	return r.loop(ctx)
}

func (c *Controller) heartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(c.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.store.TouchJobHeartbeat(jobID, time.Now().UTC()); err != nil {
				c.log.Warn().Str("job_id", jobID).Err(err).Msg("heartbeat")
			}
		}
	}
}

func (c *Controller) failJob(job *model.Job, reason string) error {
	now := time.Now().UTC()
	job.Status = model.JobFailed
	job.LastError = reason
	job.FinishedAt = &now
	if err := c.store.UpdateJob(job); err != nil {
		return err
	}
	return errors.New(reason)
}

// mergeAI fills provider API keys missing from the project settings with the
// process-wide credentials, and defaults the provider to the first configured
// one.
func (c *Controller) mergeAI(ai settings.AI) settings.AI {
	if ai.OpenAI.APIKey == "" {
		ai.OpenAI.APIKey = c.cfg.AI.OpenAIAPIKey
	}
	if ai.Anthropic.APIKey == "" {
		ai.Anthropic.APIKey = c.cfg.AI.AnthropicAPIKey
	}
	if ai.Google.APIKey == "" {
		ai.Google.APIKey = c.cfg.AI.GoogleAPIKey
	}
	if ai.Groq.APIKey == "" {
		ai.Groq.APIKey = c.cfg.AI.GroqAPIKey
	}
	if ai.Provider == "" {
		switch {
		case ai.OpenAI.APIKey != "":
			ai.Provider = "openai"
		case ai.Anthropic.APIKey != "":
			ai.Provider = "anthropic"
		case ai.Google.APIKey != "":
			ai.Provider = "google"
		case ai.Groq.APIKey != "":
			ai.Provider = "groq"
		}
	}
	return ai
}

// sandboxConfig resolves the sandbox location and container options.
// Environment overrides beat project settings, which beat process defaults.
func (c *Controller) sandboxConfig(exec settings.Execution) sandbox.Config {
	root := c.cfg.SandboxRoot
	if os.Getenv("OPENJULES_SANDBOX_ROOT") == "" && exec.SandboxRoot != "" {
		root = exec.SandboxRoot
	}
	persist := c.cfg.SandboxPersist
	if os.Getenv("OPENJULES_SANDBOX_PERSIST") == "" && exec.PersistSandbox {
		persist = true
	}
	docker := exec.Docker
	if docker.Image == "" {
		docker.Image = c.cfg.DockerImage
	}
	if img := os.Getenv("OPENJULES_DOCKER_IMAGE"); img != "" {
		docker.Image = img
	}
	return sandbox.Config{Root: root, Persist: persist, Docker: docker}
}

// SyncJobStatus projects a mission's status onto its trigger job per the
// fixed projection table. Mission states without a projection leave the job
// untouched.
func SyncJobStatus(st Store, job *model.Job, m *model.Mission) error {
	if job == nil {
		return nil
	}
	js, ok := model.JobStatusFor(m.Status)
	if !ok {
		return nil
	}
	job.Status = js
	if js == model.JobCompleted || js == model.JobFailed {
		if job.FinishedAt == nil {
			now := time.Now().UTC()
			job.FinishedAt = &now
		}
		if js == model.JobFailed && job.LastError == "" {
			job.LastError = m.FailReason
		}
	}
	return st.UpdateJob(job)
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func recordTerminal(status model.MissionStatus) {
	metrics.MissionsTotal.WithLabelValues(string(status)).Inc()
}
