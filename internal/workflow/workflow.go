package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/thesayf/deployai-sub003/internal/model"
)

// QueryProgress is the query name registered for live progress polling.
const QueryProgress = "progress"

// WorkflowID derives the deterministic workflow ID for a report. Starting a
// second run while one is open fails on the ID collision, which is the only
// concurrency guard the pipeline needs.
func WorkflowID(reportID string) string {
	return "report-pipeline-" + reportID
}

// Input starts one report pipeline run.
type Input struct {
	ReportID string
	Force    bool
}

// Result summarises a finished run.
type Result struct {
	ReportID  string
	Status    model.ReportStatus
	EmailSent bool
}

// Progress is the answer to the progress query.
type Progress struct {
	Status    string `json:"status"`
	Stage     int    `json:"stage"`
	StageName string `json:"stageName"`
	Percent   int    `json:"percent"`
	Message   string `json:"message"`
}

var stageNames = [5]string{"", "problem_analysis", "tool_research", "tool_curation", "report_composition"}

// Percent checkpoints: saved stages land on 25/50/75/90, in-flight work
// reports the intermediate values so pollers see movement between saves.
var (
	stageRunningPercent = [5]int{0, 10, 35, 60, 85}
	stageSavedPercent   = [5]int{0, 25, 50, 75, 90}
)

var stageTimeouts = [5]time.Duration{0, 3 * time.Minute, 6 * time.Minute, 6 * time.Minute, 10 * time.Minute}

// ReportPipelineWorkflow drives the four report stages with durable
// checkpoints. Each stage executes, validates, and persists before the next
// begins; re-running a partially complete report skips the stages that
// already have output.
func ReportPipelineWorkflow(ctx workflow.Context, input Input) (*Result, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("report pipeline started", "report_id", input.ReportID, "force", input.Force)

	progress := Progress{Status: string(model.StatusPending), Message: "starting"}
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (*Progress, error) {
		return &progress, nil
	}); err != nil {
		return nil, fmt.Errorf("register progress query: %w", err)
	}

	checkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	})
	saveCtx := checkCtx
	emailCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    2,
		},
	})

	var acts *Activities

	var state ReportState
	err := workflow.ExecuteActivity(checkCtx, acts.CheckReportState,
		CheckInput{ReportID: input.ReportID, Force: input.Force}).Get(ctx, &state)
	if err != nil {
		return nil, err
	}

	if state.Status == model.StatusCompleted && !input.Force {
		logger.Info("report already completed, nothing to do", "report_id", input.ReportID)
		progress = Progress{Status: string(model.StatusCompleted), Stage: 4,
			StageName: stageNames[4], Percent: 100, Message: "report already completed"}
		return &Result{ReportID: input.ReportID, Status: model.StatusCompleted, EmailSent: state.EmailSent}, nil
	}

	executeActivities := [5]any{nil, acts.ExecuteStage1, acts.ExecuteStage2, acts.ExecuteStage3, acts.ExecuteStage4}
	saveActivities := [5]any{nil, acts.SaveStage1, acts.SaveStage2, acts.SaveStage3, acts.SaveStage4}

	for stage := 1; stage <= 4; stage++ {
		progress = Progress{
			Status:    string(progressStatus(stage)),
			Stage:     stage,
			StageName: stageNames[stage],
			Percent:   stageRunningPercent[stage],
			Message:   fmt.Sprintf("running %s", stageNames[stage]),
		}

		stageCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: stageTimeouts[stage],
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    2 * time.Second,
				BackoffCoefficient: 2.0,
				MaximumInterval:    time.Minute,
				MaximumAttempts:    3,
			},
		})

		var result StageResult
		err := workflow.ExecuteActivity(stageCtx, executeActivities[stage],
			StageInput{ReportID: input.ReportID, Force: input.Force}).Get(ctx, &result)
		if err != nil {
			return nil, handleFailure(ctx, acts, input.ReportID, stage, err)
		}

		if result.Skipped {
			logger.Info("stage output already present, skipped",
				"report_id", input.ReportID, "stage", stage)
		}
		// Save runs for skipped stages too: after an interrupted forced
		// re-walk the status can trail the persisted output, and the guarded
		// save reconciles it.
		err = workflow.ExecuteActivity(saveCtx, saveActivities[stage],
			SaveInput{ReportID: input.ReportID, Output: result.Output, Force: input.Force}).Get(ctx, nil)
		if err != nil {
			return nil, handleFailure(ctx, acts, input.ReportID, stage, err)
		}

		progress = Progress{
			Status:    string(model.StatusAfterStage(stage)),
			Stage:     stage,
			StageName: stageNames[stage],
			Percent:   stageSavedPercent[stage],
			Message:   fmt.Sprintf("%s saved", stageNames[stage]),
		}
	}

	progress = Progress{Status: string(model.StatusCompleted), Stage: 4,
		StageName: stageNames[4], Percent: 95, Message: "sending completion email"}

	emailSent := true
	err = workflow.ExecuteActivity(emailCtx, acts.SendCompletionEmail,
		NotifyInput{ReportID: input.ReportID, Force: input.Force}).Get(ctx, nil)
	if err != nil {
		// The report itself is done; a lost email never fails the run.
		logger.Warn("completion email failed", "report_id", input.ReportID, "error", err)
		emailSent = false
	}

	progress = Progress{Status: string(model.StatusCompleted), Stage: 4,
		StageName: stageNames[4], Percent: 100, Message: "report completed"}
	logger.Info("report pipeline finished", "report_id", input.ReportID, "email_sent", emailSent)

	return &Result{ReportID: input.ReportID, Status: model.StatusCompleted, EmailSent: emailSent}, nil
}

// progressStatus is the report status while a stage is still running.
func progressStatus(stage int) model.ReportStatus {
	if stage == 1 {
		return model.StatusPending
	}
	return model.StatusAfterStage(stage - 1)
}

// handleFailure records the failure on the report before surfacing the stage
// error. The mark activity runs on the root context with its own options so
// it still executes when the stage context is already poisoned.
func handleFailure(ctx workflow.Context, acts *Activities, reportID string, stage int, cause error) error {
	logger := workflow.GetLogger(ctx)

	if temporal.IsCanceledError(cause) {
		// Cancellation is not a pipeline failure: the report keeps its last
		// persisted status and a later start resumes from there.
		logger.Info("pipeline run canceled", "report_id", reportID, "stage", stage)
		return cause
	}

	logger.Error("pipeline stage failed", "report_id", reportID, "stage", stage, "error", cause)

	markCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	})
	detail := fmt.Sprintf("stage %d (%s): %v", stage, stageNames[stage], cause)
	if markErr := workflow.ExecuteActivity(markCtx, acts.MarkReportFailed,
		FailInput{ReportID: reportID, Detail: detail}).Get(ctx, nil); markErr != nil {
		logger.Error("failed to mark report failed", "report_id", reportID, "error", markErr)
	}
	return cause
}
