package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/ai"
	"github.com/thesayf/deployai-sub003/internal/config"
	"github.com/thesayf/deployai-sub003/internal/cost"
	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/internal/schema"
)

// Executor runs single pipeline stages against the provider gateway. It
// never touches the store; persistence belongs to the orchestrator.
type Executor struct {
	gateway       ai.Gateway
	cfg           config.PipelineConfig
	costs         *cost.Calculator
	singleAttempt bool
}

// NewExecutor creates a stage executor.
func NewExecutor(gw ai.Gateway, cfg config.PipelineConfig) *Executor {
	return &Executor{gateway: gw, cfg: cfg, costs: cost.NewCalculator(cost.DefaultRates())}
}

// WithoutRetries returns a copy whose provider calls make a single attempt.
// The Temporal activities use it: the activity retry policy owns the backoff
// there, and layering the in-process retry on top would multiply the budget.
func (e *Executor) WithoutRetries() *Executor {
	clone := *e
	clone.singleAttempt = true
	return &clone
}

// ExecuteStage builds the stage prompt from the report's upstream outputs,
// calls the configured provider, and returns validated canonical JSON. A
// failure is always a *StageError.
func (e *Executor) ExecuteStage(ctx context.Context, r *model.Report, stage int) (json.RawMessage, error) {
	system, user, err := promptForStage(stage, r)
	if err != nil {
		return nil, stageError(stage, err)
	}

	sc := e.cfg.Stage(stage)
	maxAttempts := sc.MaxAttempts
	if e.singleAttempt {
		maxAttempts = 1
	}
	resp, err := e.gateway.Generate(ctx, ai.GenerateRequest{
		Provider:        sc.Provider,
		Model:           sc.Model,
		System:          system,
		Prompt:          user,
		MaxOutputTokens: sc.MaxOutputTokens,
		Temperature:     sc.Temperature,
		ReasoningEffort: sc.ReasoningEffort,
		Timeout:         sc.Timeout(),
		MaxAttempts:     maxAttempts,
	})
	if err != nil {
		return nil, &StageError{Stage: stage, Kind: StageErrProvider, Err: err}
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, &StageError{Stage: stage, Kind: StageErrEmptyResponse,
			Err: errEmptyCompletion}
	}

	out, err := schema.ParseStage(stage, resp.Text)
	if err != nil {
		return nil, stageError(stage, err)
	}

	zap.L().Info("stage generated",
		zap.String("report_id", r.ID),
		zap.Int("stage", stage),
		zap.String("provider", sc.Provider),
		zap.String("model", resp.Model),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", e.costs.Call(sc.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)),
	)
	return out, nil
}
