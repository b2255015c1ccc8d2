// Package status resolves the live state of a pipeline run by combining the
// Temporal execution record with the workflow's progress query.
package status

import (
	"context"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/internal/workflow"
)

// TemporalClient is the slice of client.Client the reporter needs.
type TemporalClient interface {
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
}

// RunStatus is what pollers see.
type RunStatus struct {
	WorkflowID string             `json:"workflowId"`
	RunID      string             `json:"runId"`
	State      string             `json:"state"`
	Progress   *workflow.Progress `json:"progress,omitempty"`
}

// Reporter answers status queries for pipeline runs.
type Reporter struct {
	client TemporalClient
}

// NewReporter creates a Reporter.
func NewReporter(c TemporalClient) *Reporter {
	return &Reporter{client: c}
}

// Status describes one run. For open runs the progress comes from the
// workflow's query handler; for closed runs progress is synthesised from the
// terminal state when the query is no longer answerable.
func (r *Reporter) Status(ctx context.Context, workflowID string) (*RunStatus, error) {
	desc, err := r.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, eris.Wrapf(err, "status: describe workflow %s", workflowID)
	}
	info := desc.GetWorkflowExecutionInfo()
	execStatus := info.GetStatus()

	rs := &RunStatus{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		State:      runState(execStatus),
	}

	if val, qErr := r.client.QueryWorkflow(ctx, workflowID, "", workflow.QueryProgress); qErr == nil {
		var p workflow.Progress
		if decErr := val.Get(&p); decErr == nil {
			rs.Progress = &p
		} else {
			zap.L().Warn("progress query decode failed",
				zap.String("workflow_id", workflowID), zap.Error(decErr))
		}
	} else if execStatus == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		// An open run with no answerable query usually means no worker is
		// polling the task queue right now.
		zap.L().Warn("progress query failed for open run",
			zap.String("workflow_id", workflowID), zap.Error(qErr))
	}

	if rs.Progress == nil {
		rs.Progress = terminalProgress(execStatus)
	}
	return rs, nil
}

func runState(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "running"
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "completed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "failed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "canceled"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "terminated"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "timed_out"
	default:
		return "unknown"
	}
}

// terminalProgress fills in progress for closed runs whose query handler is
// gone. Completed runs read as fully done; every other terminal state keeps
// percent at zero because the last checkpoint is unknown.
func terminalProgress(s enumspb.WorkflowExecutionStatus) *workflow.Progress {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return &workflow.Progress{
			Status: string(model.StatusCompleted), Stage: 4,
			StageName: "report_composition", Percent: 100, Message: "report completed",
		}
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return &workflow.Progress{Status: string(model.StatusFailed), Message: "pipeline run failed"}
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return &workflow.Progress{Message: "pipeline run stopped"}
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return &workflow.Progress{Message: "pipeline run timed out"}
	default:
		return &workflow.Progress{Message: "run state unknown"}
	}
}
