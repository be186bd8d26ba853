package worker

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	errorsx "github.com/instill-ai/x/errors"
)

// DocProcessingWorkflow processes one staged batch. A batch that fails
// past its retries fails the whole attempt; a batch that has nothing left
// to work on ends quietly.
func (w *Worker) DocProcessingWorkflow(ctx workflow.Context, param DocProcessingParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting DocProcessingWorkflow",
		"attemptID", param.AttemptID,
		"ccPairID", param.CCPairID,
		"batchNum", param.BatchNum)

	opts := standardActivityOptions()
	opts.StartToCloseTimeout = ActivityTimeoutBatch
	opts.HeartbeatTimeout = ActivityTimeoutStandard
	opts.RetryPolicy.NonRetryableErrorTypes = []string{docProcessingAbortedError, docProcessingFatalError}
	processCtx := workflow.WithActivityOptions(ctx, opts)

	err := workflow.ExecuteActivity(processCtx, w.DocProcessingActivity, param).Get(ctx, nil)
	if err == nil {
		return nil
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == docProcessingAbortedError {
		logger.Info("DocProcessing skipped batch",
			"attemptID", param.AttemptID,
			"batchNum", param.BatchNum,
			"reason", appErr.Error())
		return nil
	}

	logger.Error("DocProcessing failed",
		"attemptID", param.AttemptID,
		"batchNum", param.BatchNum,
		"error", err.Error())

	markCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())
	if merr := workflow.ExecuteActivity(markCtx, w.MarkAttemptFailedActivity, MarkAttemptFailedActivityParam{
		AttemptID: param.AttemptID,
		Reason:    fmt.Sprintf("Document batch %d processing failed: %s", param.BatchNum, errorsx.MessageOrErr(err)),
	}).Get(ctx, nil); merr != nil {
		logger.Error("Failed to mark attempt as failed",
			"attemptID", param.AttemptID,
			"error", merr.Error())
	}

	return err
}
