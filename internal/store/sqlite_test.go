package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesayf/deployai-sub003/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedReport(t *testing.T, st *SQLiteStore) *model.Report {
	t.Helper()
	ctx := context.Background()

	c, err := st.CreateUser(ctx, model.Contact{
		Email: "dana@acme.com", FirstName: "dana", LastName: "liu", Company: "Acme",
	})
	require.NoError(t, err)

	r, err := st.CreateReport(ctx, c.ID, model.QuizResponse{
		Industry:    "retail",
		CompanySize: "11-50",
		Answers:     map[string]any{"biggest_challenge": "inventory forecasting"},
	})
	require.NoError(t, err)
	return r
}

func stagePayload(stage int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"stage":%d}`, stage))
}

func TestSQLite_CreateUser_UpsertByEmail(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.CreateUser(ctx, model.Contact{Email: "dana@acme.com", FirstName: "dana"})
	require.NoError(t, err)

	second, err := st.CreateUser(ctx, model.Contact{Email: "dana@acme.com", FirstName: "Dana", Company: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestSQLite_GetReport_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetReport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_PipelineWalk(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	wantStatus := []model.ReportStatus{
		model.StatusStage1Complete,
		model.StatusResearching,
		model.StatusCurating,
		model.StatusCompleted,
	}
	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, r.ID, stage, stagePayload(stage), false))

		got, err := st.GetReport(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, wantStatus[stage-1], got.Status)
		assert.True(t, got.HasStage(stage))
	}

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	for stage := 1; stage <= 4; stage++ {
		assert.JSONEq(t, string(stagePayload(stage)), string(got.StageOutput(stage)))
	}
}

func TestSQLite_SaveStageOutput_DoubleSave(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 1, stagePayload(1), false))

	err := st.SaveStageOutput(ctx, r.ID, 1, json.RawMessage(`{"stage":"again"}`), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleWrite))

	// The original output is untouched.
	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(stagePayload(1)), string(got.Stage1Output))
}

func TestSQLite_SaveStageOutput_ReplayedSave(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 1, stagePayload(1), false))

	// A redelivered save with the same document lands after the status moved
	// on. It already committed once, so it succeeds without touching the row.
	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 1, stagePayload(1), false))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStage1Complete, got.Status)
	assert.JSONEq(t, string(stagePayload(1)), string(got.Stage1Output))
}

func TestSQLite_SaveStageOutput_ReplayAdvancesTrailingStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, r.ID, stage, stagePayload(stage), false))
	}

	// An interrupted forced re-walk leaves the status rewound behind outputs
	// that are already persisted.
	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 1, stagePayload(1), true))
	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 2, stagePayload(2), true))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusResearching, got.Status)

	// Re-saving the stored outputs walks the status forward to terminal.
	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 3, got.Stage3Output, false))
	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 4, got.Stage4Output, false))

	got, err = st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	for stage := 1; stage <= 4; stage++ {
		assert.JSONEq(t, string(stagePayload(stage)), string(got.StageOutput(stage)))
	}
}

func TestSQLite_SaveStageOutput_SkippedStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 1, stagePayload(1), false))

	// Stage 3 requires status researching; report sits at stage1_complete.
	err := st.SaveStageOutput(ctx, r.ID, 3, stagePayload(3), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleWrite))
}

func TestSQLite_SaveStageOutput_Forced(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, r.ID, stage, stagePayload(stage), false))
	}

	// Forced stage 1 re-walks the status from the top and overwrites output.
	require.NoError(t, st.SaveStageOutput(ctx, r.ID, 1, json.RawMessage(`{"rerun":true}`), true))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStage1Complete, got.Status)
	assert.JSONEq(t, `{"rerun":true}`, string(got.Stage1Output))
}

func TestSQLite_MarkFailed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	require.NoError(t, st.MarkFailed(ctx, r.ID, "stage 2: provider unavailable"))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "stage 2: provider unavailable", got.ErrorDetail)

	// Absorbing state: a second mark is a no-op, and stage writes bounce.
	require.NoError(t, st.MarkFailed(ctx, r.ID, "another error"))
	got, err = st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "stage 2: provider unavailable", got.ErrorDetail)

	err = st.SaveStageOutput(ctx, r.ID, 1, stagePayload(1), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleWrite))
}

func TestSQLite_MarkFailed_CompletedReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, r.ID, stage, stagePayload(stage), false))
	}

	err := st.MarkFailed(ctx, r.ID, "too late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleWrite))
}

func TestSQLite_EmailSentAndUnnotified(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	for stage := 1; stage <= 4; stage++ {
		require.NoError(t, st.SaveStageOutput(ctx, r.ID, stage, stagePayload(stage), false))
	}

	pending, err := st.ListUnnotified(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)

	require.NoError(t, st.MarkEmailSent(ctx, r.ID))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EmailSentAt)

	pending, err = st.ListUnnotified(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Second mark is a no-op.
	require.NoError(t, st.MarkEmailSent(ctx, r.ID))
}

func TestSQLite_GetReportContact(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := seedReport(t, st)

	c, err := st.GetReportContact(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "dana@acme.com", c.Email)
	assert.Equal(t, "dana", c.FirstName)
	assert.Equal(t, "Acme", c.Company)

	_, err = st.GetReportContact(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListReports_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r1 := seedReport(t, st)
	require.NoError(t, st.SaveStageOutput(ctx, r1.ID, 1, stagePayload(1), false))

	c, err := st.CreateUser(ctx, model.Contact{Email: "lee@other.com"})
	require.NoError(t, err)
	r2, err := st.CreateReport(ctx, c.ID, model.QuizResponse{Industry: "finance"})
	require.NoError(t, err)

	byStatus, err := st.ListReports(ctx, ReportFilter{Status: model.StatusPending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, r2.ID, byStatus[0].ID)

	byUser, err := st.ListReports(ctx, ReportFilter{UserID: r1.UserID})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, r1.ID, byUser[0].ID)

	all, err := st.ListReports(ctx, ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
