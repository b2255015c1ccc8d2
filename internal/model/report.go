package model

import (
	"encoding/json"
	"time"
)

// ReportStatus represents the current state of a report's generation pipeline.
type ReportStatus string

const (
	StatusPending        ReportStatus = "pending"
	StatusStage1Complete ReportStatus = "stage1_complete"
	StatusResearching    ReportStatus = "researching"
	StatusCurating       ReportStatus = "curating"
	StatusCompleted      ReportStatus = "completed"
	StatusFailed         ReportStatus = "failed"
)

// transitions maps each status to the set of statuses it may advance to.
// completed and failed are terminal.
var transitions = map[ReportStatus][]ReportStatus{
	StatusPending:        {StatusStage1Complete, StatusFailed},
	StatusStage1Complete: {StatusResearching, StatusFailed},
	StatusResearching:    {StatusCurating, StatusFailed},
	StatusCurating:       {StatusCompleted, StatusFailed},
	StatusCompleted:      {},
	StatusFailed:         {},
}

// CanTransition reports whether a status write from current to next is legal.
func CanTransition(current, next ReportStatus) bool {
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ReportStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// StatusAfterStage returns the status a report advances to once stage n's
// output has been durably saved.
func StatusAfterStage(n int) ReportStatus {
	switch n {
	case 1:
		return StatusStage1Complete
	case 2:
		return StatusResearching
	case 3:
		return StatusCurating
	case 4:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// Report is the aggregate tracking one end-to-end pipeline execution for one
// quiz submission. Created in pending status by the quiz-submission flow;
// mutated only by the pipeline orchestrator.
type Report struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Responses    QuizResponse    `json:"responses"`
	Stage1Output json.RawMessage `json:"stage1_output,omitempty"`
	Stage2Output json.RawMessage `json:"stage2_output,omitempty"`
	Stage3Output json.RawMessage `json:"stage3_output,omitempty"`
	Stage4Output json.RawMessage `json:"stage4_output,omitempty"`
	Status       ReportStatus    `json:"status"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	EmailSentAt  *time.Time      `json:"email_sent_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StageOutput returns the raw saved output for stage n (1-4), or nil.
func (r *Report) StageOutput(n int) json.RawMessage {
	switch n {
	case 1:
		return r.Stage1Output
	case 2:
		return r.Stage2Output
	case 3:
		return r.Stage3Output
	case 4:
		return r.Stage4Output
	default:
		return nil
	}
}

// HasStage reports whether stage n's output has been saved.
func (r *Report) HasStage(n int) bool {
	return len(r.StageOutput(n)) > 0
}

// Contact holds the end-user fields needed to deliver the completion email.
type Contact struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company,omitempty"`
}

// QuizResponse carries the questionnaire answers a report was created from.
// Answers are keyed by question ID; values are free-form (string, number,
// or list of selected options).
type QuizResponse struct {
	Industry    string         `json:"industry"`
	CompanySize string         `json:"company_size"`
	Answers     map[string]any `json:"answers"`
}
