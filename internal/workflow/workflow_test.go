package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/thesayf/deployai-sub003/internal/model"
)

const testReportID = "r-42"

func newTestEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	acts := &Activities{}
	env.RegisterWorkflow(ReportPipelineWorkflow)
	env.RegisterActivity(acts)
	return env, acts
}

func stagePayload(stage int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"stage":%d}`, stage))
}

func expectHappyStages(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
	execs := []any{acts.ExecuteStage1, acts.ExecuteStage2, acts.ExecuteStage3, acts.ExecuteStage4}
	saves := []any{acts.SaveStage1, acts.SaveStage2, acts.SaveStage3, acts.SaveStage4}
	for i := range execs {
		out := stagePayload(i + 1)
		env.OnActivity(execs[i], mock.Anything, StageInput{ReportID: testReportID}).
			Return(&StageResult{Output: out}, nil).Once()
		env.OnActivity(saves[i], mock.Anything, SaveInput{ReportID: testReportID, Output: out}).
			Return(nil).Once()
	}
}

func TestReportPipelineWorkflow_HappyPath(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, CheckInput{ReportID: testReportID}).
		Return(&ReportState{Status: model.StatusPending}, nil).Once()
	expectHappyStages(env, acts)
	env.OnActivity(acts.SendCompletionEmail, mock.Anything, NotifyInput{ReportID: testReportID}).
		Return(nil).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.True(t, result.EmailSent)

	val, err := env.QueryWorkflow(QueryProgress)
	require.NoError(t, err)
	var progress Progress
	require.NoError(t, val.Get(&progress))
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, string(model.StatusCompleted), progress.Status)
	assert.Equal(t, "report_composition", progress.StageName)

	env.AssertExpectations(t)
}

func TestReportPipelineWorkflow_CompletedShortCircuit(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, CheckInput{ReportID: testReportID}).
		Return(&ReportState{Status: model.StatusCompleted, EmailSent: true}, nil).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.True(t, result.EmailSent)

	env.AssertNotCalled(t, "ExecuteStage1", mock.Anything, mock.Anything)
	env.AssertNotCalled(t, "SendCompletionEmail", mock.Anything, mock.Anything)
}

func TestReportPipelineWorkflow_ForceRerunsCompletedReport(t *testing.T) {
	env, acts := newTestEnv(t)

	in := CheckInput{ReportID: testReportID, Force: true}
	env.OnActivity(acts.CheckReportState, mock.Anything, in).
		Return(&ReportState{Status: model.StatusCompleted, EmailSent: true}, nil).Once()
	execs := []any{acts.ExecuteStage1, acts.ExecuteStage2, acts.ExecuteStage3, acts.ExecuteStage4}
	saves := []any{acts.SaveStage1, acts.SaveStage2, acts.SaveStage3, acts.SaveStage4}
	for i := range execs {
		out := stagePayload(i + 1)
		env.OnActivity(execs[i], mock.Anything, StageInput{ReportID: testReportID, Force: true}).
			Return(&StageResult{Output: out}, nil).Once()
		env.OnActivity(saves[i], mock.Anything, SaveInput{ReportID: testReportID, Output: out, Force: true}).
			Return(nil).Once()
	}
	env.OnActivity(acts.SendCompletionEmail, mock.Anything, NotifyInput{ReportID: testReportID, Force: true}).
		Return(nil).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID, Force: true})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestReportPipelineWorkflow_SkippedStageStillSaved(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, mock.Anything).
		Return(&ReportState{Status: model.StatusStage1Complete}, nil).Once()

	// A skipped stage still runs the save so a trailing status catches up
	// with the persisted output.
	env.OnActivity(acts.ExecuteStage1, mock.Anything, mock.Anything).
		Return(&StageResult{Output: stagePayload(1), Skipped: true}, nil).Once()
	env.OnActivity(acts.SaveStage1, mock.Anything, SaveInput{ReportID: testReportID, Output: stagePayload(1)}).
		Return(nil).Once()
	execs := []any{acts.ExecuteStage2, acts.ExecuteStage3, acts.ExecuteStage4}
	saves := []any{acts.SaveStage2, acts.SaveStage3, acts.SaveStage4}
	for i := range execs {
		env.OnActivity(execs[i], mock.Anything, mock.Anything).
			Return(&StageResult{Output: stagePayload(i + 2)}, nil).Once()
		env.OnActivity(saves[i], mock.Anything, mock.Anything).Return(nil).Once()
	}
	env.OnActivity(acts.SendCompletionEmail, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestReportPipelineWorkflow_CancellationLeavesStatus(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, mock.Anything).
		Return(&ReportState{Status: model.StatusPending}, nil).Once()
	env.OnActivity(acts.ExecuteStage1, mock.Anything, mock.Anything).
		After(time.Minute).
		Return(&StageResult{Output: stagePayload(1)}, nil).Once()

	env.RegisterDelayedCallback(func() { env.CancelWorkflow() }, time.Second)

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var canceled *temporal.CanceledError
	assert.True(t, errors.As(err, &canceled))

	// The report keeps whatever status it last persisted.
	env.AssertNotCalled(t, "MarkReportFailed", mock.Anything, mock.Anything)
	env.AssertNotCalled(t, "SendCompletionEmail", mock.Anything, mock.Anything)
}

func TestReportPipelineWorkflow_StageFailureMarksReport(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, mock.Anything).
		Return(&ReportState{Status: model.StatusPending}, nil).Once()
	env.OnActivity(acts.ExecuteStage1, mock.Anything, mock.Anything).
		Return(&StageResult{Output: stagePayload(1)}, nil).Once()
	env.OnActivity(acts.SaveStage1, mock.Anything, mock.Anything).Return(nil).Once()

	stageErr := temporal.NewNonRetryableApplicationError("stage 2 parse: bad json", "parse", nil)
	env.OnActivity(acts.ExecuteStage2, mock.Anything, mock.Anything).
		Return(nil, stageErr).Once()

	var markedDetail string
	env.OnActivity(acts.MarkReportFailed, mock.Anything, mock.MatchedBy(func(in FailInput) bool {
		markedDetail = in.Detail
		return in.ReportID == testReportID
	})).Return(nil).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
	assert.Contains(t, markedDetail, "stage 2")
	assert.Contains(t, markedDetail, "tool_research")

	env.AssertNotCalled(t, "ExecuteStage3", mock.Anything, mock.Anything)
	env.AssertNotCalled(t, "SendCompletionEmail", mock.Anything, mock.Anything)
	env.AssertExpectations(t)
}

func TestReportPipelineWorkflow_EmailFailureIsNonFatal(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, mock.Anything).
		Return(&ReportState{Status: model.StatusPending}, nil).Once()
	expectHappyStages(env, acts)
	env.OnActivity(acts.SendCompletionEmail, mock.Anything, mock.Anything).
		Return(errors.New("resend: 503")).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.False(t, result.EmailSent)

	env.AssertNotCalled(t, "MarkReportFailed", mock.Anything, mock.Anything)
	env.AssertExpectations(t)
}

func TestReportPipelineWorkflow_FailedStateRejectedWithoutForce(t *testing.T) {
	env, acts := newTestEnv(t)

	env.OnActivity(acts.CheckReportState, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError(
			"report is failed; re-run with force", "failed_state", nil)).Once()

	env.ExecuteWorkflow(ReportPipelineWorkflow, Input{ReportID: testReportID})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-run with force")

	env.AssertNotCalled(t, "ExecuteStage1", mock.Anything, mock.Anything)
	env.AssertNotCalled(t, "MarkReportFailed", mock.Anything, mock.Anything)
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "report-pipeline-abc", WorkflowID("abc"))
}
