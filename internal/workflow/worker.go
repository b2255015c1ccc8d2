package workflow

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker builds a Temporal worker with the report pipeline workflow and
// its activities registered on the given task queue. The caller owns Run and
// Stop.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ReportPipelineWorkflow)
	w.RegisterActivity(acts)
	return w
}
