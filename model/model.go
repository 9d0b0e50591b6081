// Package model defines the core domain types shared across all OpenJules
// packages. It has zero dependencies on other OpenJules packages.
package model

import "time"

// MissionStatus represents the current state of a mission. The strings are
// wire-exact: the external CRUD layer stores and matches them verbatim.
type MissionStatus string

const (
	StatusQueued              MissionStatus = "QUEUED"
	StatusPlanning            MissionStatus = "PLANNING"
	StatusWaitingPlanApproval MissionStatus = "WAITING_PLAN_APPROVAL"
	StatusExecuting           MissionStatus = "EXECUTING"
	StatusPaused              MissionStatus = "PAUSED"
	StatusWaitingInput        MissionStatus = "WAITING_INPUT"
	StatusValidating          MissionStatus = "VALIDATING"
	StatusWaitingReview       MissionStatus = "WAITING_REVIEW"
	StatusCompleted           MissionStatus = "COMPLETED"
	StatusFailed              MissionStatus = "FAILED"
)

// Terminal reports whether the mission has reached a final state.
func (s MissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus represents the state of a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepDone       StepStatus = "DONE"
	StepFailed     StepStatus = "FAILED"
	StepBlocked    StepStatus = "BLOCKED"
)

// JobStatus represents the state of the external trigger record.
type JobStatus string

const (
	JobPending       JobStatus = "pending"
	JobRunning       JobStatus = "running"
	JobWaitingReview JobStatus = "waiting_review"
	JobCompleted     JobStatus = "completed"
	JobFailed        JobStatus = "failed"
)

// JobStatusFor projects a mission status onto the job status alphabet.
// The second return is false when the mission status has no projection.
func JobStatusFor(s MissionStatus) (JobStatus, bool) {
	switch s {
	case StatusCompleted:
		return JobCompleted, true
	case StatusFailed:
		return JobFailed, true
	case StatusWaitingReview, StatusWaitingPlanApproval, StatusPaused, StatusWaitingInput:
		return JobWaitingReview, true
	}
	return "", false
}

// LogType classifies entries in a mission's append-only event stream.
type LogType string

const (
	LogThought       LogType = "thought"
	LogCommand       LogType = "command"
	LogToolOutput    LogType = "tool_output"
	LogError         LogType = "error"
	LogMetric        LogType = "metric"
	LogAgentQuestion LogType = "agent_question"
)

// TokenCounts is one prompt/completion/total bucket.
type TokenCounts struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// TokenUsage tracks LLM token consumption per role plus a running total.
type TokenUsage struct {
	ByRole map[string]TokenCounts `json:"byRole,omitempty"`
	Total  TokenCounts            `json:"total"`
}

// Add accumulates counts into the given role bucket and the total.
func (u *TokenUsage) Add(role string, c TokenCounts) {
	if u.ByRole == nil {
		u.ByRole = make(map[string]TokenCounts)
	}
	b := u.ByRole[role]
	b.Prompt += c.Prompt
	b.Completion += c.Completion
	b.Total += c.Total
	u.ByRole[role] = b
	u.Total.Prompt += c.Prompt
	u.Total.Completion += c.Completion
	u.Total.Total += c.Total
}

// Mission is a user goal under execution.
type Mission struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"project_id"`
	Goal                string        `json:"goal"`
	Status              MissionStatus `json:"status"`
	RepoURL             string        `json:"repo_url,omitempty"`
	LatestUserInput     string        `json:"latest_user_input,omitempty"`
	LatestAgentQuestion string        `json:"latest_agent_question,omitempty"`
	PlanReasoning       string        `json:"plan_reasoning,omitempty"`
	FailReason          string        `json:"fail_reason,omitempty"`
	ResultSummary       string        `json:"result_summary,omitempty"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	FinishedAt          *time.Time    `json:"finished_at,omitempty"`
	TotalDurationMs     int64         `json:"total_duration_ms,omitempty"`
	AIProvider          string        `json:"ai_provider,omitempty"`
	AIModel             string        `json:"ai_model,omitempty"`
	TokenUsage          TokenUsage    `json:"token_usage"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// MissionStep is one entry in the current plan wave.
type MissionStep struct {
	ID            string     `json:"id"`
	MissionID     string     `json:"mission_id"`
	OrderIndex    int        `json:"order_index"`
	Description   string     `json:"description"`
	Command       string     `json:"command,omitempty"`
	Status        StepStatus `json:"status"`
	TimeoutMs     int        `json:"timeout_ms"`
	Retryable     bool       `json:"retryable"`
	MaxRetries    int        `json:"max_retries"`
	Background    bool       `json:"background"`
	ReadyPattern  string     `json:"ready_pattern,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	RetryCount    int        `json:"retry_count"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	StdoutTail    string     `json:"stdout_tail,omitempty"`
	StderrTail    string     `json:"stderr_tail,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DefaultStepTimeoutMs is applied when the planner leaves timeoutMs unset.
const DefaultStepTimeoutMs = 300_000

// Tail truncation limits for persisted step output.
const (
	MaxStdoutTail = 5000
	MaxStderrTail = 3000
)

// MissionLog is one entry in a mission's append-only event stream.
type MissionLog struct {
	ID        int64     `json:"id"`
	MissionID string    `json:"mission_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      LogType   `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// JobPayload is the opaque trigger payload stored on a job.
type JobPayload struct {
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// JobResult holds the outcome written back onto the trigger record.
type JobResult struct {
	Patch   string `json:"patch,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Job is the external trigger record that bootstraps a mission run.
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	MissionID   string     `json:"mission_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Payload     JobPayload `json:"payload"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// TruncateTail keeps the last maxLen runes of a string, prefixing "..." when
// the head was cut. The stdout_tail/stderr_tail fields use it: the end of a
// command's output is where the errors are.
func TruncateTail(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[len(r)-maxLen:])
	}
	return "..." + string(r[len(r)-(maxLen-3):])
}
