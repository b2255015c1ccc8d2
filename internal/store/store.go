package store

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/rotisserie/eris"

	"github.com/thesayf/deployai-sub003/internal/model"
)

// ReportFilter specifies criteria for listing reports.
type ReportFilter struct {
	Status model.ReportStatus `json:"status,omitempty"`
	UserID string             `json:"user_id,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

var (
	// ErrNotFound is returned when a report or contact does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrStaleWrite is returned when a guarded write matched no row: the
	// stage output was already saved, or the status moved from under the
	// writer. Forced runs bypass the guard.
	ErrStaleWrite = eris.New("store: stale write")
)

// Store defines the persistence interface for the report pipeline.
type Store interface {
	// Users
	CreateUser(ctx context.Context, contact model.Contact) (*model.Contact, error)
	GetReportContact(ctx context.Context, reportID string) (*model.Contact, error)

	// Reports
	CreateReport(ctx context.Context, userID string, responses model.QuizResponse) (*model.Report, error)
	GetReport(ctx context.Context, reportID string) (*model.Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error)

	// Pipeline writes
	SaveStageOutput(ctx context.Context, reportID string, stage int, output json.RawMessage, force bool) error
	MarkFailed(ctx context.Context, reportID string, detail string) error
	MarkEmailSent(ctx context.Context, reportID string) error
	ListUnnotified(ctx context.Context, limit int) ([]model.Report, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// stageColumn maps a stage number to its output column.
func stageColumn(stage int) (string, error) {
	switch stage {
	case 1:
		return "stage1_output", nil
	case 2:
		return "stage2_output", nil
	case 3:
		return "stage3_output", nil
	case 4:
		return "stage4_output", nil
	default:
		return "", eris.Errorf("store: invalid stage %d", stage)
	}
}

// statusBeforeStage returns the status a report must hold for a guarded save
// of the given stage to apply.
func statusBeforeStage(stage int) model.ReportStatus {
	if stage == 1 {
		return model.StatusPending
	}
	return model.StatusAfterStage(stage - 1)
}

// statusRank orders the pipeline statuses for at-or-past comparisons. failed
// is deliberately unranked: it never satisfies an at-or-past check.
func statusRank(s model.ReportStatus) int {
	switch s {
	case model.StatusPending:
		return 0
	case model.StatusStage1Complete:
		return 1
	case model.StatusResearching:
		return 2
	case model.StatusCurating:
		return 3
	case model.StatusCompleted:
		return 4
	default:
		return -1
	}
}

// jsonEqual compares two JSON documents structurally. Postgres jsonb
// round-trips reformat stored output, so byte comparison is not usable.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// classifyGuardMiss decides the outcome of a guarded stage save that matched
// no row. Save steps run at-least-once, so a step can commit and then run
// again: re-writing an identical, already-persisted output is a replay, not
// a conflict. reconcile reports that the report's status still trails the
// stage (an interrupted forced re-walk) and must be advanced to
// StatusAfterStage(stage). Everything else is a genuine stale write.
func classifyGuardMiss(r *model.Report, stage int, output json.RawMessage) (replay, reconcile bool) {
	stored := r.StageOutput(stage)
	if r.Status == model.StatusFailed || len(stored) == 0 || !jsonEqual(stored, output) {
		return false, false
	}
	return true, statusRank(r.Status) < statusRank(model.StatusAfterStage(stage))
}
