package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/thesayf/deployai-sub003/internal/ai"
	"github.com/thesayf/deployai-sub003/internal/model"
)

func expectStage(gw *mockGateway, stage int) *mock.Call {
	return gw.On("Generate", mock.Anything, mock.Anything).
		Return(&ai.GenerateResponse{Text: stageJSON(stage), Model: "m"}, nil).Once()
}

func TestRun_EndToEnd(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	for stage := 1; stage <= 4; stage++ {
		expectStage(gw, stage)
	}
	n.On("SendReportReady", mock.Anything, mock.MatchedBy(func(c model.Contact) bool {
		return c.Email == "dana@acme.com"
	}), report.ID).Return("msg-1", nil).Once()

	require.NoError(t, orch.Run(ctx, report.ID, false))

	got, err := st.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	for stage := 1; stage <= 4; stage++ {
		assert.JSONEq(t, stageJSON(stage), string(got.StageOutput(stage)))
	}
	require.NotNil(t, got.EmailSentAt)
	gw.AssertNumberOfCalls(t, "Generate", 4)
	n.AssertExpectations(t)
}

func TestRun_IdempotentSkip(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, report.ID, stage, json.RawMessage(stageJSON(stage)), false))
	}
	require.NoError(t, st.MarkEmailSent(ctx, report.ID))

	// Completed report short-circuits before any provider or email work.
	require.NoError(t, orch.Run(ctx, report.ID, false))
	gw.AssertNumberOfCalls(t, "Generate", 0)
	n.AssertNumberOfCalls(t, "SendReportReady", 0)
}

func TestRun_ResumeFromMidpoint(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 1, json.RawMessage(stage1JSON), false))
	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 2, json.RawMessage(stage2JSON), false))

	// Stage 3's prompt must carry the persisted upstream outputs.
	gw.On("Generate", mock.Anything, mock.MatchedBy(func(req ai.GenerateRequest) bool {
		return strings.Contains(req.Prompt, "ForecastAI") && strings.Contains(req.Prompt, "inventory")
	})).Return(&ai.GenerateResponse{Text: stage3JSON, Model: "m"}, nil).Once()
	expectStage(gw, 4)
	n.On("SendReportReady", mock.Anything, mock.Anything, report.ID).Return("msg-1", nil).Once()

	require.NoError(t, orch.Run(ctx, report.ID, false))

	got, err := st.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	gw.AssertNumberOfCalls(t, "Generate", 2)
	gw.AssertExpectations(t)
}

func TestRun_FailureIsolation(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 1, json.RawMessage(stage1JSON), false))
	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 2, json.RawMessage(stage2JSON), false))

	gw.On("Generate", mock.Anything, mock.Anything).
		Return(nil, &ai.ProviderError{Provider: ai.ProviderAnthropic, Kind: ai.ErrServer,
			Err: errors.New("upstream 503")}).Once()

	err := orch.Run(ctx, report.ID, false)
	require.Error(t, err)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, 3, stageErr.Stage)
	assert.Equal(t, StageErrProvider, stageErr.Kind)

	got, gerr := st.GetReport(ctx, report.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorDetail, "stage 3")
	// Earlier outputs survive the failure; the failing stage saved nothing.
	assert.JSONEq(t, stage1JSON, string(got.Stage1Output))
	assert.JSONEq(t, stage2JSON, string(got.Stage2Output))
	assert.False(t, got.HasStage(3))
	n.AssertNumberOfCalls(t, "SendReportReady", 0)
}

func TestRun_NotificationNonFatal(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	for stage := 1; stage <= 4; stage++ {
		expectStage(gw, stage)
	}
	n.On("SendReportReady", mock.Anything, mock.Anything, report.ID).
		Return("", errors.New("smtp down")).Once()

	require.NoError(t, orch.Run(ctx, report.ID, false))

	got, err := st.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Nil(t, got.EmailSentAt)

	// The resend path still sees it.
	unnotified, err := st.ListUnnotified(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unnotified, 1)
	assert.Equal(t, report.ID, unnotified[0].ID)
}

func TestRun_FailedRequiresForce(t *testing.T) {
	orch, gw, _, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.MarkFailed(ctx, report.ID, "stage 1 provider: boom"))

	err := orch.Run(ctx, report.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force")
	gw.AssertNumberOfCalls(t, "Generate", 0)
}

func TestRun_ForceReruns(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, report.ID, stage, json.RawMessage(`{"old":true}`), true))
	}
	require.NoError(t, st.MarkEmailSent(ctx, report.ID))

	for stage := 1; stage <= 4; stage++ {
		expectStage(gw, stage)
	}
	n.On("SendReportReady", mock.Anything, mock.Anything, report.ID).Return("msg-2", nil).Once()

	require.NoError(t, orch.Run(ctx, report.ID, true))

	got, err := st.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.JSONEq(t, stage1JSON, string(got.Stage1Output))
	gw.AssertNumberOfCalls(t, "Generate", 4)
	n.AssertExpectations(t)
}

func TestRun_ResumeAfterInterruptedForce(t *testing.T) {
	orch, gw, n, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, report.ID, stage, json.RawMessage(stageJSON(stage)), false))
	}
	require.NoError(t, st.MarkEmailSent(ctx, report.ID))

	// A forced re-walk that dies after stage 2 leaves the status rewound to
	// researching while all four outputs are still persisted.
	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 1, json.RawMessage(stageJSON(1)), true))
	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 2, json.RawMessage(stageJSON(2)), true))

	// A plain run walks the skips through the save path and lands terminal
	// without a single provider call.
	require.NoError(t, orch.Run(ctx, report.ID, false))

	got, err := st.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	for stage := 1; stage <= 4; stage++ {
		assert.JSONEq(t, stageJSON(stage), string(got.StageOutput(stage)))
	}
	gw.AssertNumberOfCalls(t, "Generate", 0)
	n.AssertNumberOfCalls(t, "SendReportReady", 0)
}

func TestExecuteStage_SkipReturnsPersisted(t *testing.T) {
	orch, gw, _, st, report := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveStageOutput(ctx, report.ID, 1, json.RawMessage(stage1JSON), false))

	out, skipped, err := orch.ExecuteStage(ctx, report.ID, 1, false)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.JSONEq(t, stage1JSON, string(out))
	gw.AssertNumberOfCalls(t, "Generate", 0)
}

func TestExecuteStage_FencedResponse(t *testing.T) {
	orch, gw, _, _, report := newTestOrchestrator(t)
	ctx := context.Background()

	fenced := "Here is the analysis:\n```json\n" + stage1JSON + "\n```\nLet me know if you need more."
	gw.On("Generate", mock.Anything, mock.Anything).
		Return(&ai.GenerateResponse{Text: fenced, Model: "m"}, nil).Once()

	out, skipped, err := orch.ExecuteStage(ctx, report.ID, 1, false)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.JSONEq(t, stage1JSON, string(out))
}

func TestExecuteStage_ParseAndSchemaFailures(t *testing.T) {
	tests := []struct {
		name     string
		response string
		kind     StageErrorKind
	}{
		{"malformed json", "{not json", StageErrParse},
		{"schema violation", `{"businessContext":{"industry":"retail","companySize":"11-50","urgencyLevel":"urgent"},"problems":[],"aiOpportunityScore":75}`, StageErrSchema},
		{"empty completion", "   \n", StageErrEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, gw, _, _, report := newTestOrchestrator(t)
			gw.On("Generate", mock.Anything, mock.Anything).
				Return(&ai.GenerateResponse{Text: tt.response, Model: "m"}, nil).Once()

			_, _, err := orch.ExecuteStage(context.Background(), report.ID, 1, false)
			require.Error(t, err)
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tt.kind, stageErr.Kind)
			assert.False(t, stageErr.Retryable())
		})
	}
}

func TestStageError_Retryable(t *testing.T) {
	transient := &StageError{Stage: 2, Kind: StageErrProvider,
		Err: &ai.ProviderError{Provider: ai.ProviderOpenAI, Kind: ai.ErrRateLimited, Err: errors.New("429")}}
	assert.True(t, transient.Retryable())

	auth := &StageError{Stage: 2, Kind: StageErrProvider,
		Err: &ai.ProviderError{Provider: ai.ProviderOpenAI, Kind: ai.ErrAuth, Err: errors.New("401")}}
	assert.False(t, auth.Retryable())
}
