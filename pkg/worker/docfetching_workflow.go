package worker

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/repository"

	errorsx "github.com/instill-ai/x/errors"
)

// defaultDocFetchingHeartbeatTimeout applies when the dispatcher didn't set
// one.
const defaultDocFetchingHeartbeatTimeout = 5 * time.Minute

// MarkAttemptFailedActivityParam defines the parameters for
// MarkAttemptFailedActivity.
type MarkAttemptFailedActivityParam struct {
	AttemptID uint
	Reason    string
}

// DocFetchingWorkflow runs the DocFetching stage of an attempt. The
// activity is never retried: a new attempt is the retry. When the activity
// dies without recording an outcome, e.g. on a heartbeat timeout, the
// workflow fails the attempt on its behalf.
func (w *Worker) DocFetchingWorkflow(ctx workflow.Context, param DocFetchingParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting DocFetchingWorkflow",
		"attemptID", param.AttemptID,
		"ccPairID", param.CCPairID,
		"searchSettingsID", param.SearchSettingsID,
		"taskID", param.TaskID)

	heartbeatTimeout := param.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultDocFetchingHeartbeatTimeout
	}

	fetchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutFetching,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	err := workflow.ExecuteActivity(fetchCtx, w.DocFetchingActivity, param).Get(ctx, nil)
	if err == nil {
		logger.Info("DocFetchingWorkflow completed", "attemptID", param.AttemptID)
		return nil
	}

	code := TerminalCodeOf(err)
	logger.Warn("DocFetching failed",
		"attemptID", param.AttemptID,
		"code", code.String(),
		"error", err.Error())

	if !code.OwnsAttempt() {
		return err
	}

	// The activity records its own outcome; this only lands when it
	// couldn't, since terminal attempts aren't overwritten.
	markCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())
	if merr := workflow.ExecuteActivity(markCtx, w.MarkAttemptFailedActivity, MarkAttemptFailedActivityParam{
		AttemptID: param.AttemptID,
		Reason:    fmt.Sprintf("DocFetching task ended with %s: %s", code, errorsx.MessageOrErr(err)),
	}).Get(ctx, nil); merr != nil {
		logger.Error("Failed to mark attempt as failed",
			"attemptID", param.AttemptID,
			"error", merr.Error())
	}

	return err
}

// MarkAttemptFailedActivity moves a non-terminal attempt to FAILED. It's a
// no-op for terminal attempts.
func (w *Worker) MarkAttemptFailedActivity(ctx context.Context, param MarkAttemptFailedActivityParam) error {
	marked, err := w.repository.MarkIndexAttemptTerminal(ctx, param.AttemptID, repository.IndexingStatusFailed, w.truncateMessage(param.Reason), "")
	if err != nil {
		return temporal.NewApplicationErrorWithCause(
			fmt.Sprintf("failed to mark attempt as failed: %s", errorsx.MessageOrErr(err)),
			markAttemptFailedActivityError,
			err,
		)
	}

	if marked {
		w.log.Warn("Index attempt marked as failed",
			zap.Uint("index_attempt_id", param.AttemptID),
			zap.String("reason", param.Reason))
	}
	return nil
}

const markAttemptFailedActivityError = "MarkAttemptFailedActivity"

func standardActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	}
}
