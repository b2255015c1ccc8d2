package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thesayf/deployai-sub003/internal/config"
	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/internal/store"
)

// Valid stage outputs used across the orchestrator tests.
const (
	stage1JSON = `{"businessContext":{"industry":"retail","companySize":"11-50","urgencyLevel":"high"},"problems":[{"area":"inventory","severity":80,"summary":"Frequent stockouts."}],"aiOpportunityScore":75}`
	stage2JSON = `{"candidates":[{"name":"ForecastAI","vendor":"Acme AI","category":"forecasting","websiteUrl":"https://forecast.example.com","relevanceScore":85,"notes":"Purpose-built for retail."}]}`
	stage3JSON = `{"recommendations":[{"toolName":"ForecastAI","problemArea":"inventory","priority":"high","estimatedImpactScore":80,"implementationNotes":"Pilot on one warehouse first."}]}`
	stage4JSON = `{"executiveSummary":"Your inventory process is the clearest automation win.","sections":[{"title":"Inventory forecasting","body":"Adopt ForecastAI to reduce stockouts."}],"nextSteps":["Run a four-week ForecastAI pilot"],"projectedRoiNotes":"Payback expected within two quarters."}`
)

func stageJSON(stage int) string {
	return [...]string{stage1JSON, stage2JSON, stage3JSON, stage4JSON}[stage-1]
}

func testPipelineConfig() config.PipelineConfig {
	stage := func(provider, model string) config.StageConfig {
		return config.StageConfig{
			Provider:        provider,
			Model:           model,
			MaxOutputTokens: 1024,
			MaxAttempts:     1,
		}
	}
	return config.PipelineConfig{
		Stage1: stage("anthropic", "model-1"),
		Stage2: stage("openai", "model-2"),
		Stage3: stage("anthropic", "model-3"),
		Stage4: stage("anthropic", "model-4"),
	}
}

// newTestOrchestrator wires an orchestrator over a real SQLite store with a
// mocked gateway and notifier, and returns a pending seeded report.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *mockGateway, *mockNotifier, store.Store, *model.Report) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	contact, err := st.CreateUser(ctx, model.Contact{
		Email: "dana@acme.com", FirstName: "dana", LastName: "liu", Company: "Acme",
	})
	require.NoError(t, err)

	report, err := st.CreateReport(ctx, contact.ID, model.QuizResponse{
		Industry:    "retail",
		CompanySize: "11-50",
		Answers:     map[string]any{"biggest_challenge": "inventory forecasting"},
	})
	require.NoError(t, err)

	gw := &mockGateway{}
	n := &mockNotifier{}
	orch := NewOrchestrator(st, NewExecutor(gw, testPipelineConfig()), n)
	return orch, gw, n, st, report
}
