// Package httpapi is the thin trigger and control surface over the mission
// runtime: create a job, read mission state, and post human control actions.
// All business logic lives in the controller; handlers only validate and
// translate.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/controller"
	"github.com/openjules/openjules/internal/metrics"
	"github.com/openjules/openjules/model"
)

// Store is the persistence surface the API needs on top of what the
// controller already requires. *sqlite.Store satisfies it.
type Store interface {
	controller.Store
	CreateMission(*model.Mission) error
	CreateJob(*model.Job) error
	GetLogs(missionID string, afterID int64) ([]*model.MissionLog, error)
	PutSetting(projectID, key string, value json.RawMessage) error
}

// Handler provides the HTTP API for the mission runtime.
type Handler struct {
	store  Store
	router chi.Router
	log    zerolog.Logger
}

// New creates the HTTP API handler.
func New(store Store, log zerolog.Logger) *Handler {
	h := &Handler{store: store, log: log.With().Str("component", "httpapi").Logger()}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/jobs", h.handleCreateJob)
		r.Get("/jobs/{id}", h.handleGetJob)
		r.Get("/missions/{id}", h.handleGetMission)
		r.Get("/missions/{id}/steps", h.handleGetSteps)
		r.Get("/missions/{id}/logs", h.handleGetLogs)
		r.Post("/missions/{id}/actions", h.handleMissionAction)
		r.Put("/projects/{id}/settings/{key}", h.handlePutSetting)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}

// --- Request/Response types ---

type createJobRequest struct {
	ProjectID string `json:"project_id"`
	Goal      string `json:"goal"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

type createJobResponse struct {
	JobID     string `json:"job_id"`
	MissionID string `json:"mission_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Goal = strings.TrimSpace(req.Goal)
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	now := time.Now().UTC()
	m := &model.Mission{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Goal:      req.Goal,
		RepoURL:   req.Repo,
		Status:    model.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateMission(m); err != nil {
		h.log.Error().Err(err).Msg("creating mission")
		writeError(w, http.StatusInternalServerError, "creating mission")
		return
	}
	j := &model.Job{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		MissionID: m.ID,
		Status:    model.JobPending,
		Payload:   model.JobPayload{Repo: req.Repo, Branch: req.Branch},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateJob(j); err != nil {
		h.log.Error().Err(err).Msg("creating job")
		writeError(w, http.StatusInternalServerError, "creating job")
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{JobID: j.ID, MissionID: m.ID})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMission(chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.store.GetSteps(chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if steps == nil {
		steps = []*model.MissionStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer log id")
			return
		}
		after = n
	}
	logs, err := h.store.GetLogs(chi.URLParam(r, "id"), after)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if logs == nil {
		logs = []*model.MissionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleMissionAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var a controller.Action
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := controller.ApplyAction(h.store, chi.URLParam(r, "id"), a)
	if err != nil {
		switch {
		case errors.Is(err, controller.ErrInvalidAction):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, controller.ErrWrongState):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "mission not found")
		default:
			h.log.Error().Err(err).Msg("applying action")
			writeError(w, http.StatusInternalServerError, "applying action")
		}
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 256<<10)
	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON value")
		return
	}
	projectID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	if err := h.store.PutSetting(projectID, key, value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
