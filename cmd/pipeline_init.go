package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/ai"
	"github.com/thesayf/deployai-sub003/internal/notify"
	"github.com/thesayf/deployai-sub003/internal/pipeline"
	"github.com/thesayf/deployai-sub003/internal/store"
	"github.com/thesayf/deployai-sub003/internal/workflow"
	anthropicpkg "github.com/thesayf/deployai-sub003/pkg/anthropic"
	openaipkg "github.com/thesayf/deployai-sub003/pkg/openai"
	resendpkg "github.com/thesayf/deployai-sub003/pkg/resend"
)

// pipelineEnv holds the initialized store, clients, and orchestrator shared
// by the serve/worker/run/resend commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Notifier     notify.Notifier
	Activities   *workflow.Activities
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, provider clients, notifier, and
// orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	var openaiOpts []openaipkg.Option
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openaipkg.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	openaiClient := openaipkg.NewClient(cfg.OpenAI.Key, openaiOpts...)
	gateway := ai.NewGateway(anthropicClient, openaiClient, cfg.Pipeline.ProviderRequestsPerMinute)

	var notifier notify.Notifier
	if cfg.Resend.Key == "" {
		zap.L().Warn("resend key not set, completion emails disabled")
		notifier = notify.NopNotifier{}
	} else {
		notifier = notify.NewEmailNotifier(resendpkg.NewClient(cfg.Resend.Key), cfg.Resend, cfg.Server.AppBaseURL)
	}

	executor := pipeline.NewExecutor(gateway, cfg.Pipeline)
	orch := pipeline.NewOrchestrator(st, executor, notifier)

	// Activities make a single provider attempt per invocation; the Temporal
	// retry policy owns the backoff there.
	actOrch := pipeline.NewOrchestrator(st, executor.WithoutRetries(), notifier)

	return &pipelineEnv{
		Store:        st,
		Orchestrator: orch,
		Notifier:     notifier,
		Activities:   workflow.NewActivities(actOrch, st),
	}, nil
}
