package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/batchstorage"
	"github.com/instill-ai/indexing-backend/pkg/indexing"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Error types of DocProcessingActivity.
const (
	// docProcessingAbortedError means the batch must not be processed: it's
	// gone, or its attempt stopped. The attempt is left as it is.
	docProcessingAbortedError = "DocProcessingAborted"
	// docProcessingFailedError means the batch failed and may be retried.
	docProcessingFailedError = "DocProcessingFailed"
	// docProcessingFatalError means the attempt was failed by the batch.
	docProcessingFatalError = "DocProcessingFatal"
)

func crossBatchLockKey(attemptID uint) string {
	return fmt.Sprintf("indexing:cross-batch:%d", attemptID)
}

// DocProcessingActivity indexes one staged batch and adds its counts to
// the attempt.
func (w *Worker) DocProcessingActivity(ctx context.Context, param DocProcessingParam) error {
	res := w.processBatch(ctx, param)
	switch {
	case !res.Failed():
		return nil
	case res.Kind == StageFatal:
		return res.applicationError(docProcessingFatalError)
	case res.Retry:
		return res.applicationError(docProcessingFailedError)
	default:
		return res.applicationError(docProcessingAbortedError)
	}
}

func (w *Worker) processBatch(ctx context.Context, param DocProcessingParam) StageResult {
	logger := w.log.With(
		zap.Uint("index_attempt_id", param.AttemptID),
		zap.Uint("cc_pair_id", param.CCPairID),
		zap.Int("batch_num", param.BatchNum))

	storage := batchstorage.New(w.objects, w.cfg.BatchBucket, param.CCPairID, param.AttemptID, logger)

	docs, err := storage.GetBatch(ctx, param.BatchNum)
	if err != nil {
		if errors.Is(err, errdomain.ErrBatchNotFound) {
			logger.Info("Batch already consumed, skipping")
			return stageRecoverable(err, false)
		}
		return stageRecoverable(err, true)
	}

	attempt, err := w.repository.GetIndexAttempt(ctx, param.AttemptID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return stageRecoverable(fmt.Errorf("attempt %d: %w", param.AttemptID, errdomain.ErrAttemptNotLive), false)
		}
		return stageRecoverable(err, true)
	}
	if attempt.TaskID == nil || attempt.Status.IsTerminal() {
		err := fmt.Errorf("attempt %d is %s: %w", attempt.ID, attempt.Status, errdomain.ErrAttemptNotLive)
		logger.Info("Attempt isn't live, skipping batch", zap.Error(err))
		return stageRecoverable(err, false)
	}

	cc, err := w.repository.GetCCPair(ctx, param.CCPairID)
	if err != nil {
		return stageRecoverable(err, true)
	}
	ss, err := w.repository.GetSearchSettings(ctx, attempt.SearchSettingsID)
	if err != nil {
		return stageRecoverable(err, true)
	}
	if stopRequested(cc, ss, attempt) {
		err := fmt.Errorf("cc-pair is %s: %w", cc.Status, errdomain.ErrConnectorStopSignal)
		return w.cancelOnStop(ctx, logger, attempt, err)
	}

	stopHeartbeat := w.startHeartbeat(ctx, attempt.ID)
	defer stopHeartbeat()

	// An empty batch still counts towards the completed batches.
	var result indexing.Result
	if len(docs) > 0 {
		result, err = w.indexer.IndexBatch(ctx, *ss, cc.ID, docs)
		if err != nil {
			logger.Warn("Failed to index batch", zap.Error(err))
			return stageRecoverable(fmt.Errorf("indexing batch %d: %w", param.BatchNum, err), true)
		}
	}

	// Failures go first: a retry of the batch must not count its
	// completion twice.
	if len(result.Failures) > 0 {
		if err := w.recordBatchFailures(ctx, attempt, result); err != nil {
			if !errors.Is(err, errdomain.ErrTooManyFailures) {
				return stageRecoverable(err, true)
			}

			logger.Error("Batch failures ended the attempt", zap.Error(err))
			marked, merr := w.repository.MarkIndexAttemptTerminal(
				context.WithoutCancel(ctx),
				attempt.ID,
				repository.IndexingStatusFailed,
				w.truncateMessage(errorsx.MessageOrErr(err)),
				fmt.Sprintf("%+v", err))
			if merr != nil {
				logger.Error("Failed to mark attempt as failed", zap.Error(merr))
			}
			w.deleteBatch(ctx, logger, storage, param.BatchNum)
			res := stageFatal(CodeUndefined, repository.IndexingStatusFailed, err)
			if !marked {
				res.Status = ""
			}
			return res
		}
	}

	if err := w.recordBatchCompletion(ctx, logger, attempt, cc.ID, docs, result); err != nil {
		return stageRecoverable(err, true)
	}

	w.deleteBatch(ctx, logger, storage, param.BatchNum)

	logger.Info("Batch processed",
		zap.Int("documents", len(docs)),
		zap.Int("new_documents", result.NewDocs),
		zap.Int("chunks", result.TotalChunks),
		zap.Int("failures", len(result.Failures)))
	return stageOK()
}

// cancelOnStop cancels the attempt of a batch that saw a stop signal before
// DocFetching did. Staged batches are kept for the next attempt to
// reissue.
func (w *Worker) cancelOnStop(ctx context.Context, logger *zap.Logger, attempt *repository.IndexAttemptModel, err error) StageResult {
	marked, merr := w.repository.MarkIndexAttemptTerminal(
		context.WithoutCancel(ctx),
		attempt.ID,
		repository.IndexingStatusCanceled,
		"Connector stop signal detected",
		"")
	if merr != nil {
		logger.Error("Failed to cancel attempt", zap.Error(merr))
		return stageRecoverable(merr, true)
	}

	logger.Info("Stop requested, attempt canceled", zap.Bool("marked", marked), zap.Error(err))
	return stageRecoverable(err, false)
}

// recordBatchCompletion adds the batch to the attempt counters. Batches of
// the same attempt record their completion one at a time.
func (w *Worker) recordBatchCompletion(
	ctx context.Context,
	logger *zap.Logger,
	attempt *repository.IndexAttemptModel,
	ccPairID uint,
	docs []types.Document,
	result indexing.Result,
) error {
	lk, err := w.locker.Acquire(ctx, crossBatchLockKey(attempt.ID), w.cfg.CrossBatchLockTimeout, w.cfg.CrossBatchLockTimeout)
	if err != nil {
		return fmt.Errorf("acquiring cross-batch lock: %w", err)
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release cross-batch lock", zap.Error(err))
		}
	}()

	completed, total, err := w.repository.UpdateBatchCompletionAndDocs(ctx, attempt.ID, repository.BatchDelta{
		TotalDocs:   result.TotalDocs,
		NewDocs:     result.NewDocs,
		TotalChunks: result.TotalChunks,
	})
	if err != nil {
		return fmt.Errorf("updating batch completion: %w", err)
	}

	failed := make(map[string]bool, len(result.Failures))
	for _, f := range result.Failures {
		if id := f.DocumentID(); id != "" {
			failed[id] = true
		}
	}
	indexed := make([]string, 0, len(docs))
	for _, d := range docs {
		if !failed[d.ID] {
			indexed = append(indexed, d.ID)
		}
	}
	if len(indexed) > 0 {
		if _, err := w.repository.ResolveIndexAttemptErrorsForDocuments(ctx, ccPairID, indexed); err != nil {
			logger.Warn("Failed to resolve previous document errors", zap.Error(err))
		}
	}

	fields := []zap.Field{zap.Int("completed_batches", completed)}
	if total != nil {
		fields = append(fields, zap.Int("total_batches", *total))
	}
	logger.Debug("Batch completion recorded", fields...)
	return nil
}

// recordBatchFailures stores the document failures of a batch and applies
// the failure breaker to the attempt totals, this batch included. Only an
// error wrapping ErrTooManyFailures ends the attempt.
func (w *Worker) recordBatchFailures(ctx context.Context, attempt *repository.IndexAttemptModel, result indexing.Result) error {
	if err := w.repository.CreateIndexAttemptErrors(ctx, attempt.ID, attempt.CCPairID, result.Failures); err != nil {
		return fmt.Errorf("recording document failures: %w", err)
	}

	status, err := w.repository.GetCoordinationStatus(ctx, attempt.ID)
	if err != nil {
		return fmt.Errorf("reading failure totals: %w", err)
	}
	last := result.Failures[len(result.Failures)-1]
	return checkFailureThreshold(status.TotalFailures, status.TotalDocs+result.TotalDocs, &last)
}

func (w *Worker) deleteBatch(ctx context.Context, logger *zap.Logger, storage *batchstorage.Storage, batchNum int) {
	if err := storage.DeleteBatch(ctx, batchNum); err != nil {
		logger.Warn("Failed to delete processed batch", zap.Error(err))
	}
}
