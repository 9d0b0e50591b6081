package controller

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openjules/openjules/model"
)

// Action is one out-of-band human control patch on a mission. Exactly one of
// the three action fields must be set; values are case-insensitive.
type Action struct {
	PlanAction    string `json:"planAction,omitempty"`
	ReviewAction  string `json:"reviewAction,omitempty"`
	ControlAction string `json:"controlAction,omitempty"`
	// Message carries the user input for controlAction=input, an optional
	// hint for controlAction=resume, and the rejection reason for reject
	// actions.
	Message string `json:"message,omitempty"`
	// Summary becomes the mission's result summary on review approval.
	Summary string `json:"summary,omitempty"`
}

// Action validation errors.
var (
	ErrInvalidAction = errors.New("invalid action")
	ErrWrongState    = errors.New("action not valid in the mission's current state")
)

// ApplyAction applies a human control action to a mission and projects the
// resulting status onto the mission's job. The controller observes the patch
// on its next poll; it is never interrupted mid-step.
func ApplyAction(st Store, missionID string, a Action) (*model.Mission, error) {
	m, err := st.GetMission(missionID)
	if err != nil {
		return nil, err
	}

	switch {
	case a.PlanAction != "":
		if err := applyPlanAction(m, a); err != nil {
			return nil, err
		}
	case a.ReviewAction != "":
		if err := applyReviewAction(m, a); err != nil {
			return nil, err
		}
	case a.ControlAction != "":
		if err := applyControlAction(m, a); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: no action given", ErrInvalidAction)
	}

	if err := st.UpdateMission(m); err != nil {
		return nil, err
	}
	job, err := st.GetJobForMission(missionID)
	if err != nil {
		return nil, err
	}
	if err := SyncJobStatus(st, job, m); err != nil {
		return nil, err
	}
	return m, nil
}

func applyPlanAction(m *model.Mission, a Action) error {
	if m.Status != model.StatusWaitingPlanApproval {
		return fmt.Errorf("%w: planAction requires WAITING_PLAN_APPROVAL, mission is %s", ErrWrongState, m.Status)
	}
	switch strings.ToLower(a.PlanAction) {
	case "approve":
		m.Status = model.StatusExecuting
	case "reject":
		reason := strings.TrimSpace(a.Message)
		if reason == "" {
			reason = "Plan rejected by user."
		}
		finish(m, model.StatusFailed)
		m.FailReason = reason
		recordTerminal(model.StatusFailed)
	default:
		return fmt.Errorf("%w: planAction %q", ErrInvalidAction, a.PlanAction)
	}
	return nil
}

func applyReviewAction(m *model.Mission, a Action) error {
	if m.Status != model.StatusWaitingReview {
		return fmt.Errorf("%w: reviewAction requires WAITING_REVIEW, mission is %s", ErrWrongState, m.Status)
	}
	switch strings.ToLower(a.ReviewAction) {
	case "approve":
		summary := strings.TrimSpace(a.Summary)
		if summary == "" {
			summary = "Changes reviewed and approved."
		}
		finish(m, model.StatusCompleted)
		m.ResultSummary = summary
		recordTerminal(model.StatusCompleted)
	case "reject":
		reason := strings.TrimSpace(a.Message)
		if reason == "" {
			reason = "Changes rejected by user."
		}
		finish(m, model.StatusFailed)
		m.FailReason = reason
		recordTerminal(model.StatusFailed)
	default:
		return fmt.Errorf("%w: reviewAction %q", ErrInvalidAction, a.ReviewAction)
	}
	return nil
}

func applyControlAction(m *model.Mission, a Action) error {
	if m.Status.Terminal() {
		return fmt.Errorf("%w: mission is %s", ErrWrongState, m.Status)
	}
	switch strings.ToLower(a.ControlAction) {
	case "pause":
		if m.Status != model.StatusExecuting {
			return fmt.Errorf("%w: pause requires EXECUTING, mission is %s", ErrWrongState, m.Status)
		}
		m.Status = model.StatusPaused
	case "resume":
		if m.Status != model.StatusPaused && m.Status != model.StatusWaitingInput {
			return fmt.Errorf("%w: resume requires PAUSED or WAITING_INPUT, mission is %s", ErrWrongState, m.Status)
		}
		// A message on resume is a hint for the coder, not a replan.
		if msg := strings.TrimSpace(a.Message); msg != "" {
			m.LatestUserInput = msg
		}
		m.Status = model.StatusExecuting
	case "input":
		msg := strings.TrimSpace(a.Message)
		if msg == "" {
			return fmt.Errorf("%w: input requires a non-empty message", ErrInvalidAction)
		}
		// Input re-plans from any non-terminal state, including review.
		m.LatestUserInput = msg
		m.Status = model.StatusPlanning
	default:
		return fmt.Errorf("%w: controlAction %q", ErrInvalidAction, a.ControlAction)
	}
	return nil
}

// finish stamps the terminal bookkeeping fields.
func finish(m *model.Mission, status model.MissionStatus) {
	now := time.Now().UTC()
	m.Status = status
	if m.FinishedAt == nil {
		m.FinishedAt = &now
	}
	if m.StartedAt != nil && m.TotalDurationMs == 0 {
		m.TotalDurationMs = m.FinishedAt.Sub(*m.StartedAt).Milliseconds()
	}
}
