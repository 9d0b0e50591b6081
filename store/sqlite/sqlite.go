// Package sqlite implements mission, step, log, job and settings persistence
// using SQLite. JSON-typed fields (payload, result, token_usage, settings
// values) are stored as opaque TEXT and parsed at this boundary.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openjules/openjules/model"
)

// Store manages runtime persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS missions (
			id                    TEXT PRIMARY KEY,
			project_id            TEXT NOT NULL,
			goal                  TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'QUEUED',
			repo_url              TEXT NOT NULL DEFAULT '',
			latest_user_input     TEXT NOT NULL DEFAULT '',
			latest_agent_question TEXT NOT NULL DEFAULT '',
			plan_reasoning        TEXT NOT NULL DEFAULT '',
			fail_reason           TEXT NOT NULL DEFAULT '',
			result_summary        TEXT NOT NULL DEFAULT '',
			started_at            DATETIME,
			finished_at           DATETIME,
			total_duration_ms     INTEGER NOT NULL DEFAULT 0,
			ai_provider           TEXT NOT NULL DEFAULT '',
			ai_model              TEXT NOT NULL DEFAULT '',
			token_usage           TEXT NOT NULL DEFAULT '{}',
			created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS mission_steps (
			id             TEXT PRIMARY KEY,
			mission_id     TEXT NOT NULL,
			order_index    INTEGER NOT NULL,
			description    TEXT NOT NULL,
			command        TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'PENDING',
			timeout_ms     INTEGER NOT NULL DEFAULT 300000,
			retryable      INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 0,
			background     INTEGER NOT NULL DEFAULT 0,
			ready_pattern  TEXT NOT NULL DEFAULT '',
			exit_code      INTEGER,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			started_at     DATETIME,
			finished_at    DATETIME,
			stdout_tail    TEXT NOT NULL DEFAULT '',
			stderr_tail    TEXT NOT NULL DEFAULT '',
			result_summary TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (mission_id) REFERENCES missions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_steps_mission_order
			ON mission_steps(mission_id, order_index);

		CREATE TABLE IF NOT EXISTS mission_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			mission_id TEXT NOT NULL,
			step_id    TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			timestamp  DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (mission_id) REFERENCES missions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_logs_mission_id
			ON mission_logs(mission_id);

		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL,
			mission_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			payload      TEXT NOT NULL DEFAULT '{}',
			started_at   DATETIME,
			heartbeat_at DATETIME,
			finished_at  DATETIME,
			last_error   TEXT NOT NULL DEFAULT '',
			result       TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status
			ON jobs(status);

		CREATE TABLE IF NOT EXISTS settings (
			project_id TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (project_id, key)
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Missions ---

// CreateMission inserts a new mission.
func (s *Store) CreateMission(m *model.Mission) error {
	if m.Status == "" {
		m.Status = model.StatusQueued
	}
	usage, err := json.Marshal(m.TokenUsage)
	if err != nil {
		return fmt.Errorf("marshalling token usage: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO missions (id, project_id, goal, status, repo_url, token_usage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Goal, m.Status, m.RepoURL, string(usage), m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// GetMission retrieves a mission by ID.
func (s *Store) GetMission(id string) (*model.Mission, error) {
	row := s.db.QueryRow(missionSelect+` WHERE id = ?`, id)
	return scanMission(row)
}

// ListMissions returns all missions for a project, newest first.
func (s *Store) ListMissions(projectID string) ([]*model.Mission, error) {
	rows, err := s.db.Query(missionSelect+` WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var missions []*model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// UpdateMission updates mutable fields of a mission and bumps updated_at.
func (s *Store) UpdateMission(m *model.Mission) error {
	m.UpdatedAt = time.Now().UTC()
	usage, err := json.Marshal(m.TokenUsage)
	if err != nil {
		return fmt.Errorf("marshalling token usage: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE missions SET
			status = ?, repo_url = ?, latest_user_input = ?, latest_agent_question = ?,
			plan_reasoning = ?, fail_reason = ?, result_summary = ?,
			started_at = ?, finished_at = ?, total_duration_ms = ?,
			ai_provider = ?, ai_model = ?, token_usage = ?, updated_at = ?
		 WHERE id = ?`,
		m.Status, m.RepoURL, m.LatestUserInput, m.LatestAgentQuestion,
		m.PlanReasoning, m.FailReason, m.ResultSummary,
		nullTime(m.StartedAt), nullTime(m.FinishedAt), m.TotalDurationMs,
		m.AIProvider, m.AIModel, string(usage), m.UpdatedAt,
		m.ID,
	)
	return err
}

// UpdateMissionUsage writes only the token accounting columns so a
// concurrent control-action patch on the same row is never overwritten.
func (s *Store) UpdateMissionUsage(id string, usage model.TokenUsage, provider, aiModel string) error {
	b, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshalling token usage: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE missions SET token_usage = ?, ai_provider = ?, ai_model = ?, updated_at = ? WHERE id = ?`,
		string(b), provider, aiModel, time.Now().UTC(), id,
	)
	return err
}

const missionSelect = `SELECT id, project_id, goal, status, repo_url, latest_user_input,
	latest_agent_question, plan_reasoning, fail_reason, result_summary,
	started_at, finished_at, total_duration_ms, ai_provider, ai_model,
	token_usage, created_at, updated_at
	FROM missions`

// --- Steps ---

// CreateStep inserts a new step.
func (s *Store) CreateStep(st *model.MissionStep) error {
	if st.Status == "" {
		st.Status = model.StepPending
	}
	if st.TimeoutMs <= 0 {
		st.TimeoutMs = model.DefaultStepTimeoutMs
	}
	_, err := s.db.Exec(
		`INSERT INTO mission_steps (id, mission_id, order_index, description, command, status,
			timeout_ms, retryable, max_retries, background, ready_pattern, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.MissionID, st.OrderIndex, st.Description, st.Command, st.Status,
		st.TimeoutMs, st.Retryable, st.MaxRetries, st.Background, st.ReadyPattern,
		st.CreatedAt, st.UpdatedAt,
	)
	return err
}

// GetSteps returns all steps for a mission in ascending order_index.
func (s *Store) GetSteps(missionID string) ([]*model.MissionStep, error) {
	rows, err := s.db.Query(stepSelect+` WHERE mission_id = ? ORDER BY order_index ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.MissionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetStep retrieves a single step by ID.
func (s *Store) GetStep(id string) (*model.MissionStep, error) {
	row := s.db.QueryRow(stepSelect+` WHERE id = ?`, id)
	return scanStep(row)
}

// UpdateStep updates mutable fields of a step and bumps updated_at.
func (s *Store) UpdateStep(st *model.MissionStep) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE mission_steps SET
			description = ?, command = ?, status = ?, timeout_ms = ?, retryable = ?,
			max_retries = ?, background = ?, ready_pattern = ?, exit_code = ?,
			retry_count = ?, duration_ms = ?, started_at = ?, finished_at = ?,
			stdout_tail = ?, stderr_tail = ?, result_summary = ?, updated_at = ?
		 WHERE id = ?`,
		st.Description, st.Command, st.Status, st.TimeoutMs, st.Retryable,
		st.MaxRetries, st.Background, st.ReadyPattern, nullInt(st.ExitCode),
		st.RetryCount, st.DurationMs, nullTime(st.StartedAt), nullTime(st.FinishedAt),
		st.StdoutTail, st.StderrTail, st.ResultSummary, st.UpdatedAt,
		st.ID,
	)
	return err
}

// DeletePendingSteps removes all PENDING steps for a mission. DONE/FAILED/
// BLOCKED history is preserved for later plan waves.
func (s *Store) DeletePendingSteps(missionID string) error {
	_, err := s.db.Exec(
		`DELETE FROM mission_steps WHERE mission_id = ? AND status = ?`,
		missionID, model.StepPending,
	)
	return err
}

// MaxOrderIndex returns the highest order_index for a mission, or -1 when
// the mission has no steps.
func (s *Store) MaxOrderIndex(missionID string) (int, error) {
	var idx sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(order_index) FROM mission_steps WHERE mission_id = ?`, missionID,
	).Scan(&idx)
	if err != nil {
		return -1, err
	}
	if !idx.Valid {
		return -1, nil
	}
	return int(idx.Int64), nil
}

const stepSelect = `SELECT id, mission_id, order_index, description, command, status,
	timeout_ms, retryable, max_retries, background, ready_pattern, exit_code,
	retry_count, duration_ms, started_at, finished_at, stdout_tail, stderr_tail,
	result_summary, created_at, updated_at
	FROM mission_steps`

// --- Logs ---

// AddLog appends a log entry and fills in its ID.
func (s *Store) AddLog(l *model.MissionLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO mission_logs (mission_id, step_id, type, content, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		l.MissionID, l.StepID, l.Type, l.Content, l.Timestamp,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}

// GetLogs returns logs for a mission after the given log ID, oldest first.
func (s *Store) GetLogs(missionID string, afterID int64) ([]*model.MissionLog, error) {
	rows, err := s.db.Query(
		`SELECT id, mission_id, step_id, type, content, timestamp
		 FROM mission_logs
		 WHERE mission_id = ? AND id > ?
		 ORDER BY id ASC`,
		missionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.MissionLog
	for rows.Next() {
		l := &model.MissionLog{}
		if err := rows.Scan(&l.ID, &l.MissionID, &l.StepID, &l.Type, &l.Content, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Jobs ---

// CreateJob inserts a new trigger record.
func (s *Store) CreateJob(j *model.Job) error {
	if j.Status == "" {
		j.Status = model.JobPending
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, project_id, mission_id, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.MissionID, j.Status, string(payload), j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*model.Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobForMission returns the trigger job owning a mission, or nil when
// the mission was created without one.
func (s *Store) GetJobForMission(missionID string) (*model.Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE mission_id = ? ORDER BY created_at DESC LIMIT 1`, missionID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// NextPendingJob returns the oldest pending job, or nil when there is none.
func (s *Store) NextPendingJob() (*model.Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE status = ? ORDER BY created_at ASC LIMIT 1`, model.JobPending)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// UpdateJob updates mutable fields of a job and bumps updated_at.
func (s *Store) UpdateJob(j *model.Job) error {
	j.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	result := ""
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("marshalling result: %w", err)
		}
		result = string(b)
	}
	_, err = s.db.Exec(
		`UPDATE jobs SET
			mission_id = ?, status = ?, payload = ?, started_at = ?, heartbeat_at = ?,
			finished_at = ?, last_error = ?, result = ?, updated_at = ?
		 WHERE id = ?`,
		j.MissionID, j.Status, string(payload), nullTime(j.StartedAt), nullTime(j.HeartbeatAt),
		nullTime(j.FinishedAt), j.LastError, result, j.UpdatedAt,
		j.ID,
	)
	return err
}

// TouchJobHeartbeat bumps heartbeat_at so a liveness scanner can detect
// crashed controllers.
func (s *Store) TouchJobHeartbeat(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id,
	)
	return err
}

const jobSelect = `SELECT id, project_id, mission_id, status, payload, started_at,
	heartbeat_at, finished_at, last_error, result, created_at, updated_at
	FROM jobs`

// --- Settings ---

// GetSettings returns the raw settings values for a project keyed by name.
func (s *Store) GetSettings(projectID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// PutSetting upserts one settings value for a project.
func (s *Store) PutSetting(projectID, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("settings value for %q is not valid JSON", key)
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (project_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		projectID, key, string(value), time.Now().UTC(),
	)
	return err
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanMission(row scannable) (*model.Mission, error) {
	m := &model.Mission{}
	var started, finished sql.NullTime
	var usage string
	err := row.Scan(
		&m.ID, &m.ProjectID, &m.Goal, &m.Status, &m.RepoURL, &m.LatestUserInput,
		&m.LatestAgentQuestion, &m.PlanReasoning, &m.FailReason, &m.ResultSummary,
		&started, &finished, &m.TotalDurationMs, &m.AIProvider, &m.AIModel,
		&usage, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.StartedAt = timePtr(started)
	m.FinishedAt = timePtr(finished)
	if usage != "" {
		if err := json.Unmarshal([]byte(usage), &m.TokenUsage); err != nil {
			return nil, fmt.Errorf("parsing token usage: %w", err)
		}
	}
	return m, nil
}

func scanStep(row scannable) (*model.MissionStep, error) {
	st := &model.MissionStep{}
	var started, finished sql.NullTime
	var exit sql.NullInt64
	err := row.Scan(
		&st.ID, &st.MissionID, &st.OrderIndex, &st.Description, &st.Command, &st.Status,
		&st.TimeoutMs, &st.Retryable, &st.MaxRetries, &st.Background, &st.ReadyPattern,
		&exit, &st.RetryCount, &st.DurationMs, &started, &finished,
		&st.StdoutTail, &st.StderrTail, &st.ResultSummary, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.StartedAt = timePtr(started)
	st.FinishedAt = timePtr(finished)
	if exit.Valid {
		code := int(exit.Int64)
		st.ExitCode = &code
	}
	return st, nil
}

func scanJob(row scannable) (*model.Job, error) {
	j := &model.Job{}
	var started, heartbeat, finished sql.NullTime
	var payload, result string
	err := row.Scan(
		&j.ID, &j.ProjectID, &j.MissionID, &j.Status, &payload, &started,
		&heartbeat, &finished, &j.LastError, &result, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.StartedAt = timePtr(started)
	j.HeartbeatAt = timePtr(heartbeat)
	j.FinishedAt = timePtr(finished)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
			return nil, fmt.Errorf("parsing payload: %w", err)
		}
	}
	if result != "" {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(result), j.Result); err != nil {
			return nil, fmt.Errorf("parsing result: %w", err)
		}
	}
	return j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
