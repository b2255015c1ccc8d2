package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/internal/pipeline"
	"github.com/thesayf/deployai-sub003/internal/store"
)

// Activities exposes the orchestrator's step methods as Temporal activities.
// Each activity is a thin wrapper; the pipeline semantics live in one place
// and direct (non-Temporal) runs share them.
type Activities struct {
	orch  *pipeline.Orchestrator
	store store.Store
}

// NewActivities creates the activity set.
func NewActivities(orch *pipeline.Orchestrator, st store.Store) *Activities {
	return &Activities{orch: orch, store: st}
}

// CheckInput identifies the report a run operates on.
type CheckInput struct {
	ReportID string
	Force    bool
}

// ReportState is the snapshot the workflow branches on.
type ReportState struct {
	Status    model.ReportStatus
	EmailSent bool
}

// StageInput asks for one stage execution.
type StageInput struct {
	ReportID string
	Force    bool
}

// StageResult carries a stage's validated output. Skipped means the output
// already existed and no provider call was made.
type StageResult struct {
	Output  json.RawMessage
	Skipped bool
}

// SaveInput persists one stage output.
type SaveInput struct {
	ReportID string
	Output   json.RawMessage
	Force    bool
}

// NotifyInput triggers the completion email.
type NotifyInput struct {
	ReportID string
	Force    bool
}

// FailInput records a run failure on the report.
type FailInput struct {
	ReportID string
	Detail   string
}

// CheckReportState loads the report and rejects runs that cannot proceed. A
// missing report and a failed report without force are permanent conditions,
// so they surface as non-retryable errors.
func (a *Activities) CheckReportState(ctx context.Context, in CheckInput) (*ReportState, error) {
	r, err := a.store.GetReport(ctx, in.ReportID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "not_found", err)
		}
		return nil, err
	}
	if r.Status == model.StatusFailed && !in.Force {
		return nil, temporal.NewNonRetryableApplicationError(
			"report is failed; re-run with force", "failed_state", nil)
	}
	return &ReportState{Status: r.Status, EmailSent: r.EmailSentAt != nil}, nil
}

func (a *Activities) executeStage(ctx context.Context, stage int, in StageInput) (*StageResult, error) {
	out, skipped, err := a.orch.ExecuteStage(ctx, in.ReportID, stage, in.Force)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) && !stageErr.Retryable() {
			// Parse and schema failures are deterministic; retrying the
			// activity would replay the same outcome.
			return nil, temporal.NewNonRetryableApplicationError(stageErr.Error(), string(stageErr.Kind), stageErr.Err)
		}
		return nil, err
	}
	return &StageResult{Output: out, Skipped: skipped}, nil
}

// ExecuteStage1 runs the problem analysis stage.
func (a *Activities) ExecuteStage1(ctx context.Context, in StageInput) (*StageResult, error) {
	return a.executeStage(ctx, 1, in)
}

// ExecuteStage2 runs the tool research stage.
func (a *Activities) ExecuteStage2(ctx context.Context, in StageInput) (*StageResult, error) {
	return a.executeStage(ctx, 2, in)
}

// ExecuteStage3 runs the tool curation stage.
func (a *Activities) ExecuteStage3(ctx context.Context, in StageInput) (*StageResult, error) {
	return a.executeStage(ctx, 3, in)
}

// ExecuteStage4 runs the report composition stage.
func (a *Activities) ExecuteStage4(ctx context.Context, in StageInput) (*StageResult, error) {
	return a.executeStage(ctx, 4, in)
}

func (a *Activities) saveStage(ctx context.Context, stage int, in SaveInput) error {
	err := a.orch.SaveStage(ctx, in.ReportID, stage, in.Output, in.Force)
	if errors.Is(err, store.ErrStaleWrite) || errors.Is(err, store.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "persistence", err)
	}
	return err
}

// SaveStage1 persists the problem analysis output.
func (a *Activities) SaveStage1(ctx context.Context, in SaveInput) error {
	return a.saveStage(ctx, 1, in)
}

// SaveStage2 persists the tool research output.
func (a *Activities) SaveStage2(ctx context.Context, in SaveInput) error {
	return a.saveStage(ctx, 2, in)
}

// SaveStage3 persists the tool curation output.
func (a *Activities) SaveStage3(ctx context.Context, in SaveInput) error {
	return a.saveStage(ctx, 3, in)
}

// SaveStage4 persists the final report output.
func (a *Activities) SaveStage4(ctx context.Context, in SaveInput) error {
	return a.saveStage(ctx, 4, in)
}

// SendCompletionEmail sends the report-ready notification. The workflow
// treats a failure here as non-fatal.
func (a *Activities) SendCompletionEmail(ctx context.Context, in NotifyInput) error {
	return a.orch.SendNotification(ctx, in.ReportID, in.Force)
}

// MarkReportFailed records the failure detail on the report.
func (a *Activities) MarkReportFailed(ctx context.Context, in FailInput) error {
	return a.orch.MarkFailed(ctx, in.ReportID, in.Detail)
}
