package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/internal/notify"
	"github.com/thesayf/deployai-sub003/internal/store"
)

// Orchestrator drives a report through all four stages, persists each output
// as a checkpoint, and sends the completion notification. Its granular step
// methods (ExecuteStage, SaveStage, SendNotification, MarkFailed) are the
// same ones the Temporal activities call, so direct runs and durable runs
// share one code path.
type Orchestrator struct {
	store    store.Store
	executor *Executor
	notifier notify.Notifier
}

// NewOrchestrator creates an orchestrator with all dependencies.
func NewOrchestrator(st store.Store, ex *Executor, n notify.Notifier) *Orchestrator {
	return &Orchestrator{store: st, executor: ex, notifier: n}
}

// ExecuteStage runs stage n for the report, reading the latest persisted
// upstream outputs. When the stage output already exists and force is off,
// the persisted output is returned with skipped=true and no provider call is
// made.
func (o *Orchestrator) ExecuteStage(ctx context.Context, reportID string, stage int, force bool) (json.RawMessage, bool, error) {
	r, err := o.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, err
	}

	if !force && r.HasStage(stage) {
		zap.L().Info("stage skipped, output present",
			zap.String("report_id", reportID),
			zap.Int("stage", stage),
		)
		return r.StageOutput(stage), true, nil
	}

	out, err := o.executor.ExecuteStage(ctx, r, stage)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// SaveStage persists a stage output and advances the report status. It is
// the pipeline's single write path for stage results.
func (o *Orchestrator) SaveStage(ctx context.Context, reportID string, stage int, output json.RawMessage, force bool) error {
	return o.store.SaveStageOutput(ctx, reportID, stage, output, force)
}

// SendNotification emails the report owner that the report is ready and
// records the send. Already-notified reports are skipped unless forced. The
// caller treats a failure as non-fatal; the report stays completed and the
// resend command picks it up later.
func (o *Orchestrator) SendNotification(ctx context.Context, reportID string, force bool) error {
	r, err := o.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if r.EmailSentAt != nil && !force {
		return nil
	}

	contact, err := o.store.GetReportContact(ctx, reportID)
	if err != nil {
		return err
	}
	if _, err := o.notifier.SendReportReady(ctx, *contact, reportID); err != nil {
		return err
	}
	return o.store.MarkEmailSent(ctx, reportID)
}

// MarkFailed records the failure detail and moves the report to its
// absorbing failed state.
func (o *Orchestrator) MarkFailed(ctx context.Context, reportID string, detail string) error {
	return o.store.MarkFailed(ctx, reportID, detail)
}

// Run executes the full pipeline for one report. Present stage outputs are
// skipped, so a re-run resumes from the first missing stage. force re-executes
// every stage and overwrites prior outputs.
func (o *Orchestrator) Run(ctx context.Context, reportID string, force bool) error {
	log := zap.L().With(zap.String("report_id", reportID), zap.Bool("force", force))

	r, err := o.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}

	if !force {
		if r.Status == model.StatusCompleted {
			log.Info("report already completed")
			return nil
		}
		if r.Status == model.StatusFailed {
			return eris.Errorf("pipeline: report %s is failed; re-run with force", reportID)
		}
	}

	log.Info("pipeline run starting", zap.String("status", string(r.Status)))

	for stage := 1; stage <= 4; stage++ {
		out, skipped, err := o.ExecuteStage(ctx, reportID, stage, force)
		if err != nil {
			o.recordFailure(ctx, log, reportID, err)
			return err
		}
		// Skipped stages go through the save path too: after an interrupted
		// forced re-walk the status can trail the persisted output, and the
		// guarded save reconciles it.
		if err := o.SaveStage(ctx, reportID, stage, out, force); err != nil {
			o.recordFailure(ctx, log, reportID, err)
			return err
		}
		log.Info("stage done", zap.Int("stage", stage), zap.Bool("skipped", skipped))
	}

	if err := o.SendNotification(ctx, reportID, force); err != nil {
		// Non-fatal: the report is complete either way.
		log.Warn("completion email failed", zap.Error(err))
	}

	log.Info("pipeline run finished")
	return nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, log *zap.Logger, reportID string, cause error) {
	if err := o.MarkFailed(ctx, reportID, cause.Error()); err != nil {
		log.Warn("failed to record failure", zap.Error(err))
	}
}
