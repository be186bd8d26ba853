package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	errorsx "github.com/instill-ai/x/errors"
)

// DocFetchingParam identifies the attempt a DocFetching run works on.
type DocFetchingParam struct {
	AttemptID        uint
	CCPairID         uint
	SearchSettingsID uint
	// TaskID is the ID the attempt was created with. It's also the ID of
	// the DocFetching workflow.
	TaskID   string
	TenantID string
	// HeartbeatTimeout is how long the activity may go without
	// heartbeating before Temporal considers it dead.
	HeartbeatTimeout time.Duration
}

// DocProcessingParam identifies a staged batch.
type DocProcessingParam struct {
	AttemptID uint
	CCPairID  uint
	TenantID  string
	BatchNum  int
}

// Dispatcher hands work to the workers. Delivery is at least once: the
// receiving stages are idempotent per attempt and batch.
type Dispatcher interface {
	DispatchDocFetching(ctx context.Context, param DocFetchingParam) error
	DispatchDocProcessing(ctx context.Context, param DocProcessingParam) error
}

// docFetchingTaskID returns a new task ID for a DocFetching run.
func docFetchingTaskID(ccPairID, searchSettingsID uint) string {
	return fmt.Sprintf("docfetching_%d_%d_%s", ccPairID, searchSettingsID, uuid.Must(uuid.NewV4()).String())
}

// docProcessingWorkflowID is deterministic so that dispatching the same
// batch twice while it's being processed starts a single workflow.
func docProcessingWorkflowID(attemptID uint, batchNum int) string {
	return fmt.Sprintf("docprocessing_%d_%d", attemptID, batchNum)
}

// TemporalDispatcher dispatches the stages as Temporal workflows.
type TemporalDispatcher struct {
	temporalClient client.Client
	taskQueue      string
}

// NewTemporalDispatcher creates a dispatcher on the worker task queue.
func NewTemporalDispatcher(temporalClient client.Client) *TemporalDispatcher {
	return &TemporalDispatcher{temporalClient: temporalClient, taskQueue: TaskQueue}
}

// DispatchDocFetching starts the DocFetching workflow of an attempt.
func (d *TemporalDispatcher) DispatchDocFetching(ctx context.Context, param DocFetchingParam) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                    param.TaskID,
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}

	_, err := d.temporalClient.ExecuteWorkflow(ctx, workflowOptions, new(Worker).DocFetchingWorkflow, param)
	if err != nil && !isAlreadyStarted(err) {
		return fmt.Errorf("failed to start docfetching workflow: %s", errorsx.MessageOrErr(err))
	}
	return nil
}

// DispatchDocProcessing starts the DocProcessing workflow of a batch.
func (d *TemporalDispatcher) DispatchDocProcessing(ctx context.Context, param DocProcessingParam) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                    docProcessingWorkflowID(param.AttemptID, param.BatchNum),
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}

	_, err := d.temporalClient.ExecuteWorkflow(ctx, workflowOptions, new(Worker).DocProcessingWorkflow, param)
	if err != nil && !isAlreadyStarted(err) {
		return fmt.Errorf("failed to start docprocessing workflow: %s", errorsx.MessageOrErr(err))
	}
	return nil
}

func isAlreadyStarted(err error) bool {
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	return errors.As(err, &started)
}
