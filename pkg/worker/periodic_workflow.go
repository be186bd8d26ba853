package worker

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// Workflow IDs of the singleton periodic workflows.
const (
	CheckForIndexingWorkflowID   = "indexing-check-for-indexing"
	CheckpointCleanupWorkflowID  = "indexing-checkpoint-cleanup"
	checkpointCleanupLockKey     = "indexing:checkpoint-cleanup"
	defaultCheckpointCleanupTick = time.Hour
)

// iterationsBeforeContinueAsNew bounds the history of the periodic
// workflows.
const iterationsBeforeContinueAsNew = 500

// PeriodicWorkflowParam configures a periodic workflow.
type PeriodicWorkflowParam struct {
	Interval time.Duration
	// MaxIterations defaults to iterationsBeforeContinueAsNew.
	MaxIterations int
}

func (p PeriodicWorkflowParam) withDefaults(interval time.Duration) PeriodicWorkflowParam {
	if p.Interval <= 0 {
		p.Interval = interval
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = iterationsBeforeContinueAsNew
	}
	return p
}

// CheckForIndexingWorkflow runs a scheduler beat every interval. A failed
// beat is logged and the next one runs as planned.
func (w *Worker) CheckForIndexingWorkflow(ctx workflow.Context, param PeriodicWorkflowParam) error {
	param = param.withDefaults(15 * time.Second)
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, standardActivityOptions())

	for i := 0; i < param.MaxIterations; i++ {
		var res CheckForIndexingResult
		if err := workflow.ExecuteActivity(ctx, w.CheckForIndexingActivity).Get(ctx, &res); err != nil {
			logger.Warn("Scheduler beat failed", "error", err.Error())
		} else if !res.Skipped && (res.Created > 0 || res.Finalized > 0) {
			logger.Info("Scheduler beat", "created", res.Created, "finalized", res.Finalized)
		}

		if err := workflow.Sleep(ctx, param.Interval); err != nil {
			return err
		}
	}

	return workflow.NewContinueAsNewError(ctx, w.CheckForIndexingWorkflow, param)
}

// CheckpointCleanupWorkflow removes expired checkpoints every interval.
func (w *Worker) CheckpointCleanupWorkflow(ctx workflow.Context, param PeriodicWorkflowParam) error {
	param = param.withDefaults(defaultCheckpointCleanupTick)
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, standardActivityOptions())

	for i := 0; i < param.MaxIterations; i++ {
		var cleaned int
		if err := workflow.ExecuteActivity(ctx, w.CheckpointCleanupActivity).Get(ctx, &cleaned); err != nil {
			logger.Warn("Checkpoint cleanup failed", "error", err.Error())
		} else if cleaned > 0 {
			logger.Info("Expired checkpoints removed", "count", cleaned)
		}

		if err := workflow.Sleep(ctx, param.Interval); err != nil {
			return err
		}
	}

	return workflow.NewContinueAsNewError(ctx, w.CheckpointCleanupWorkflow, param)
}

// CheckpointCleanupActivity deletes the checkpoints of attempts that ended
// more than the retention period ago.
func (w *Worker) CheckpointCleanupActivity(ctx context.Context) (int, error) {
	lk, err := w.locker.TryAcquire(ctx, checkpointCleanupLockKey, ActivityTimeoutStandard)
	if err != nil {
		if errors.Is(err, errdomain.ErrLockNotAcquired) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			w.log.Warn("Failed to release checkpoint cleanup lock", zap.Error(err))
		}
	}()

	return w.checkpoints.CleanupExpired(ctx, w.now(), w.cfg.CheckpointRetention)
}
