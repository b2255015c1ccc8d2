package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
)

// Run identifies a started pipeline execution.
type Run struct {
	WorkflowID string
	RunID      string
}

// Start launches the report pipeline for one report. The workflow ID is
// derived from the report ID, so a start while a run for the same report is
// still open fails instead of doubling the work.
func Start(ctx context.Context, c client.Client, taskQueue, reportID string, force bool) (*Run, error) {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(reportID),
		TaskQueue: taskQueue,
	}
	we, err := c.ExecuteWorkflow(ctx, opts, ReportPipelineWorkflow, Input{ReportID: reportID, Force: force})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: start pipeline for report %s", reportID)
	}
	return &Run{WorkflowID: we.GetID(), RunID: we.GetRunID()}, nil
}
