package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/batchstorage"
	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/constant"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the DocFetching stage. It reads the source of a
// cc-pair through its connector, stages the documents as batches and
// dispatches one DocProcessing task per batch:
// - fence checks: the run must be the one the attempt was created for
// - window computation and checkpoint resolution
// - the extraction loop, with stop checks and the failure breaker
// - the mapping of the outcome to a terminal attempt status

// fenceReadinessTimeout is how long a run waits for the attempt to record
// its task ID before giving up.
var fenceReadinessTimeout = 30 * time.Second

const fenceReadinessPoll = time.Second

var epoch = time.Unix(0, 0).UTC()

// DocFetchingActivity runs the DocFetching stage of an attempt. The
// returned error carries the terminal code of the run as its type.
func (w *Worker) DocFetchingActivity(ctx context.Context, param DocFetchingParam) error {
	res := w.runDocFetching(ctx, param)
	if !res.Failed() {
		return nil
	}
	return res.applicationError(res.Code.ErrorType())
}

func (w *Worker) runDocFetching(ctx context.Context, param DocFetchingParam) StageResult {
	logger := w.log.With(
		zap.Uint("index_attempt_id", param.AttemptID),
		zap.Uint("cc_pair_id", param.CCPairID),
		zap.Uint("search_settings_id", param.SearchSettingsID),
		zap.String("task_id", param.TaskID))

	attempt, res := w.fenceDocFetching(ctx, param)
	if res.Failed() {
		logger.Warn("DocFetching fence check failed", zap.Stringer("code", res.Code), zap.Error(res.Err))
		return res
	}

	cc, err := w.repository.GetCCPair(ctx, param.CCPairID)
	if err != nil {
		return w.finishDocFetching(ctx, logger, attempt, nil, nil, err)
	}
	ss, err := w.repository.GetSearchSettings(ctx, param.SearchSettingsID)
	if err != nil {
		return w.finishDocFetching(ctx, logger, attempt, cc, nil, err)
	}

	if cc.Status == repository.CCPairStatusDeleting {
		err := fmt.Errorf("cc-pair %d is being deleted: %w", cc.ID, errdomain.ErrConnectorStopSignal)
		return w.finishWithCode(ctx, logger, attempt, CodeBlockedByDeletion, repository.IndexingStatusCanceled, err)
	}
	if stopRequested(cc, ss, attempt) {
		err := fmt.Errorf("attempt %d was stopped before it started: %w", attempt.ID, errdomain.ErrConnectorStopSignal)
		return w.finishWithCode(ctx, logger, attempt, CodeBlockedByStopSignal, repository.IndexingStatusCanceled, err)
	}

	// Losing the transition means another run took the attempt over.
	attempt, err = w.repository.TransitionIndexAttemptToInProgress(ctx, attempt.ID)
	if err != nil {
		logger.Warn("Failed to start attempt", zap.Error(err))
		return stageFatal(CodeTaskAlreadyRunning, "", err)
	}

	stopHeartbeat := w.startHeartbeat(ctx, attempt.ID)
	defer stopHeartbeat()

	// A manual trigger is consumed by the run it started.
	if cc.IndexingTrigger != nil {
		if err := w.repository.SetCCPairIndexingTrigger(ctx, cc.ID, nil); err != nil {
			logger.Warn("Failed to clear indexing trigger", zap.Error(err))
		}
	}

	conn, err := w.connectors.Instantiate(ctx, connector.Settings{
		Source:     cc.Source,
		InputType:  cc.InputType,
		Config:     []byte(cc.ConnectorConfig),
		Credential: []byte(cc.Credential),
	})
	if err != nil {
		if cc.Status == repository.CCPairStatusActive && !w.leaveActiveOnInitFailure {
			if perr := w.repository.UpdateCCPairStatus(ctx, cc.ID, repository.CCPairStatusPaused); perr != nil {
				logger.Warn("Failed to pause cc-pair", zap.Error(perr))
			}
		}
		err = errorsx.AddMessage(fmt.Errorf("failed to instantiate connector: %w", err), "The connector couldn't be set up.")
		return w.finishDocFetching(ctx, logger, attempt, cc, ss, err)
	}

	if err := conn.ValidateSettings(ctx); err != nil {
		return w.finishDocFetching(ctx, logger, attempt, cc, ss, err)
	}

	err = w.extract(ctx, logger, attempt, cc, ss, conn)
	return w.finishDocFetching(ctx, logger, attempt, cc, ss, err)
}

// fenceDocFetching checks that the run is the one the attempt was created
// for and that nobody runs it yet.
func (w *Worker) fenceDocFetching(ctx context.Context, param DocFetchingParam) (*repository.IndexAttemptModel, StageResult) {
	attempt, err := w.repository.GetIndexAttempt(ctx, param.AttemptID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return nil, stageFatal(CodeFenceNotFound, "", err)
		}
		return nil, stageFatal(CodeConnectorExceptioned, "", err)
	}

	if attempt.TaskID == nil {
		deadline := time.Now().Add(fenceReadinessTimeout)
		for attempt.TaskID == nil {
			if !time.Now().Before(deadline) {
				err := fmt.Errorf("attempt %d has no task ID after %s: %w", attempt.ID, fenceReadinessTimeout, errdomain.ErrFenceMismatch)
				return nil, stageFatal(CodeFenceReadinessTimeout, "", err)
			}

			select {
			case <-ctx.Done():
				return nil, stageFatal(CodeFenceReadinessTimeout, "", ctx.Err())
			case <-time.After(fenceReadinessPoll):
			}

			if attempt, err = w.repository.GetIndexAttempt(ctx, param.AttemptID); err != nil {
				return nil, stageFatal(CodeFenceNotFound, "", err)
			}
		}
	}

	switch {
	case *attempt.TaskID != param.TaskID:
		err := fmt.Errorf("attempt %d belongs to task %s, not %s: %w", attempt.ID, *attempt.TaskID, param.TaskID, errdomain.ErrFenceMismatch)
		return nil, stageFatal(CodeFenceMismatch, "", err)
	case attempt.CCPairID != param.CCPairID || attempt.SearchSettingsID != param.SearchSettingsID:
		err := fmt.Errorf("attempt %d is for cc-pair %d and search settings %d: %w",
			attempt.ID, attempt.CCPairID, attempt.SearchSettingsID, errdomain.ErrFenceMismatch)
		return nil, stageFatal(CodeIndexAttemptMismatch, "", err)
	case attempt.Status == repository.IndexingStatusInProgress:
		err := fmt.Errorf("attempt %d is already in progress: %w", attempt.ID, errdomain.ErrFenceMismatch)
		return nil, stageFatal(CodeTaskAlreadyRunning, "", err)
	case attempt.Status.IsTerminal():
		err := fmt.Errorf("attempt %d is already %s: %w", attempt.ID, attempt.Status, errdomain.ErrAttemptNotLive)
		return nil, stageFatal(CodeFenceMismatch, "", err)
	}

	return attempt, stageOK()
}

// computeWindow returns the time window the attempt reads. A retry of a
// failed or canceled attempt reuses its window end, so that it sees the
// same slice of the source and can resume its checkpoint.
func (w *Worker) computeWindow(ctx context.Context, attempt *repository.IndexAttemptModel, cc *repository.CCPairModel, latest *repository.IndexAttemptModel) (types.TimeWindow, error) {
	start := epoch
	if cc.IndexingStart != nil {
		start = cc.IndexingStart.UTC()
	}

	if !attempt.FromBeginning {
		last, err := w.repository.GetLastSuccessfulPollRangeEnd(ctx, attempt.CCPairID, attempt.SearchSettingsID)
		if err != nil {
			return types.TimeWindow{}, fmt.Errorf("reading last successful poll range: %w", err)
		}
		if last != nil {
			start = last.Add(-w.cfg.PollOffset).UTC()
			if start.Before(epoch) {
				start = epoch
			}
		}
	}

	end := w.now().UTC()
	if latest != nil && latest.PollRangeEnd != nil &&
		(latest.Status == repository.IndexingStatusFailed || latest.Status == repository.IndexingStatusCanceled) {
		end = latest.PollRangeEnd.UTC()
	}

	return types.TimeWindow{Start: start, End: end}, nil
}

// extract runs the connector until it has nothing more to read.
func (w *Worker) extract(
	ctx context.Context,
	logger *zap.Logger,
	attempt *repository.IndexAttemptModel,
	cc *repository.CCPairModel,
	ss *repository.SearchSettingsModel,
	conn connector.Connector,
) error {
	recent, err := w.repository.ListRecentCompletedIndexAttempts(ctx, cc.ID, ss.ID, 1)
	if err != nil {
		return fmt.Errorf("listing recent attempts: %w", err)
	}
	var latest *repository.IndexAttemptModel
	if len(recent) > 0 {
		latest = &recent[0]
	}

	window, err := w.computeWindow(ctx, attempt, cc, latest)
	if err != nil {
		return err
	}
	if err := w.repository.UpdateIndexAttemptPollRange(ctx, attempt.ID, window.Start, window.End); err != nil {
		return err
	}

	runner, err := connector.NewRunner(conn, window, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	storage := batchstorage.New(w.objects, w.cfg.BatchBucket, cc.ID, attempt.ID, logger)

	cp, batchNum, err := w.resolveCheckpoint(ctx, logger, attempt, cc, ss, conn, runner, storage, window, latest)
	if err != nil {
		return err
	}

	// Record the checkpoint the run starts from, even if it yields nothing.
	if err := w.checkpoints.Save(ctx, cc.ID, attempt.ID, cp); err != nil {
		return err
	}

	logger.Info("DocFetching started",
		zap.Time("window_start", window.Start),
		zap.Time("window_end", window.End),
		zap.Bool("from_beginning", attempt.FromBeginning),
		zap.Int("first_batch_num", batchNum))

	docCount := 0
	for cp.HasMore {
		next := cp
		for tick, err := range runner.Run(ctx, cp) {
			if err != nil {
				return err
			}
			if err := w.checkStop(ctx, attempt.ID, cc.ID, ss); err != nil {
				return err
			}

			if tick.Failure != nil {
				if err := w.recordConnectorFailure(ctx, logger, attempt, docCount, *tick.Failure); err != nil {
					return err
				}
			}

			if tick.Checkpoint != nil {
				next = *tick.Checkpoint
			}

			if len(tick.Documents) == 0 {
				continue
			}

			docs := types.StripNullCharacters(tick.Documents)
			for _, d := range docs {
				if size := d.TextSize(); size > w.cfg.LargeDocumentThreshold {
					logger.Warn("Large document extracted",
						zap.String("document", d.ShortDescriptor()),
						zap.Int("size", size))
				}
			}

			if err := storage.StoreBatch(ctx, batchNum, docs); err != nil {
				return err
			}
			if err := w.dispatcher.DispatchDocProcessing(ctx, DocProcessingParam{
				AttemptID: attempt.ID,
				CCPairID:  cc.ID,
				TenantID:  w.tenantID,
				BatchNum:  batchNum,
			}); err != nil {
				return fmt.Errorf("dispatching batch %d: %w", batchNum, err)
			}

			batchNum++
			docCount += len(docs)
		}
		cp = next

		if batchNum%w.cfg.CheckpointSizeCheckInterval == 0 {
			if err := w.checkpoints.CheckSize(cp); err != nil {
				return err
			}
		}
		if err := w.checkpoints.Save(ctx, cc.ID, attempt.ID, cp); err != nil {
			return err
		}
	}

	total, err := w.repository.SetTotalBatches(ctx, attempt.ID, batchNum)
	if err != nil {
		return err
	}
	if total != batchNum {
		logger.Warn("Total batches were already recorded", zap.Int("recorded", total), zap.Int("extracted", batchNum))
	}

	logger.Info("DocFetching completed", zap.Int("total_batches", batchNum), zap.Int("documents", docCount))
	return nil
}

// resolveCheckpoint returns the checkpoint the run starts from and the
// number of its first new batch. When the run resumes a previous attempt,
// the batches that attempt left behind are handed over to this attempt and
// dispatched again.
func (w *Worker) resolveCheckpoint(
	ctx context.Context,
	logger *zap.Logger,
	attempt *repository.IndexAttemptModel,
	cc *repository.CCPairModel,
	ss *repository.SearchSettingsModel,
	conn connector.Connector,
	runner *connector.Runner,
	storage *batchstorage.Storage,
	window types.TimeWindow,
	latest *repository.IndexAttemptModel,
) (types.Checkpoint, int, error) {
	dummy := runner.DummyCheckpoint()

	sameSettings := w.batchesOfSettings(ctx, ss.ID)

	if attempt.FromBeginning || latest == nil || latest.Status.IsSuccessful() {
		if err := storage.CleanupAllBatches(ctx, sameSettings); err != nil {
			return types.Checkpoint{}, 0, err
		}
		return dummy, 0, nil
	}

	cp, resuming, err := w.checkpoints.GetLatestValidCheckpoint(ctx, cc.ID, ss.ID, window, dummy)
	if err != nil {
		return types.Checkpoint{}, 0, err
	}

	extracted := latest.TotalBatches != nil && !cp.HasMore
	if !(connector.IsCheckpointed(conn) && resuming) && !extracted {
		if err := storage.CleanupAllBatches(ctx, sameSettings); err != nil {
			return types.Checkpoint{}, 0, err
		}
		return dummy, 0, nil
	}

	// Only the batches of the resumed attempt match its checkpoint. Older
	// leftovers of the same search settings are dropped.
	stale := func(info batchstorage.PathInfo) (bool, error) {
		if info.AttemptID == latest.ID {
			return false, nil
		}
		return sameSettings(info)
	}
	if err := storage.CleanupAllBatches(ctx, stale); err != nil {
		return types.Checkpoint{}, 0, err
	}

	paths, err := storage.ListCCPairBatches(ctx, batchstorage.OfAttempt(latest.ID))
	if err != nil {
		return types.Checkpoint{}, 0, err
	}
	reissued, err := storage.ReassignBatches(ctx, paths)
	if err != nil {
		return types.Checkpoint{}, 0, err
	}
	for _, n := range reissued {
		if err := w.dispatcher.DispatchDocProcessing(ctx, DocProcessingParam{
			AttemptID: attempt.ID,
			CCPairID:  cc.ID,
			TenantID:  w.tenantID,
			BatchNum:  n,
		}); err != nil {
			return types.Checkpoint{}, 0, fmt.Errorf("dispatching reissued batch %d: %w", n, err)
		}
	}

	if err := w.repository.SetIndexAttemptCompletedBatches(ctx, attempt.ID, latest.CompletedBatches); err != nil {
		return types.Checkpoint{}, 0, err
	}

	logger.Info("Resuming previous attempt",
		zap.Uint("previous_index_attempt_id", latest.ID),
		zap.Int("reissued_batches", len(reissued)),
		zap.Int("completed_batches", latest.CompletedBatches))
	return cp, len(reissued) + latest.CompletedBatches, nil
}

// batchesOfSettings selects the staged batches written by attempts of the
// search settings. Batches of attempts that no longer exist aren't
// selected.
func (w *Worker) batchesOfSettings(ctx context.Context, searchSettingsID uint) batchstorage.Filter {
	owned := map[uint]bool{}
	return func(info batchstorage.PathInfo) (bool, error) {
		if ok, seen := owned[info.AttemptID]; seen {
			return ok, nil
		}
		a, err := w.repository.GetIndexAttempt(ctx, info.AttemptID)
		switch {
		case errors.Is(err, errorsx.ErrNotFound):
			owned[info.AttemptID] = false
		case err != nil:
			return false, err
		default:
			owned[info.AttemptID] = a.SearchSettingsID == searchSettingsID
		}
		return owned[info.AttemptID], nil
	}
}

// recordConnectorFailure stores a failure reported by the connector and
// applies the failure breaker.
func (w *Worker) recordConnectorFailure(ctx context.Context, logger *zap.Logger, attempt *repository.IndexAttemptModel, docCount int, f types.ConnectorFailure) error {
	logger.Warn("Connector reported a failure",
		zap.String("document_id", f.DocumentID()),
		zap.String("message", f.FailureMessage))

	if err := w.repository.CreateIndexAttemptErrors(ctx, attempt.ID, attempt.CCPairID, []types.ConnectorFailure{f}); err != nil {
		return err
	}

	status, err := w.repository.GetCoordinationStatus(ctx, attempt.ID)
	if err != nil {
		return err
	}
	return checkFailureThreshold(status.TotalFailures, docCount, &f)
}

// stopRequested reports whether the cc-pair or the attempt were asked to
// stop. Pausing a cc-pair doesn't stop the build of FUTURE settings.
func stopRequested(cc *repository.CCPairModel, ss *repository.SearchSettingsModel, attempt *repository.IndexAttemptModel) bool {
	if cc.Status == repository.CCPairStatusDeleting {
		return true
	}
	if cc.Status == repository.CCPairStatusPaused && ss.Status == repository.SearchSettingsStatusPresent {
		return true
	}
	return attempt.Status == repository.IndexingStatusCanceled || attempt.CancellationRequested
}

// checkStop is run on every extraction tick.
func (w *Worker) checkStop(ctx context.Context, attemptID, ccPairID uint, ss *repository.SearchSettingsModel) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errdomain.ErrConnectorStopSignal, err)
	}

	cc, err := w.repository.GetCCPair(ctx, ccPairID)
	if err != nil {
		return err
	}
	attempt, err := w.repository.GetIndexAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	if stopRequested(cc, ss, attempt) {
		return fmt.Errorf("cc-pair is %s, attempt is %s: %w", cc.Status, attempt.Status, errdomain.ErrConnectorStopSignal)
	}
	if attempt.Status != repository.IndexingStatusInProgress {
		return fmt.Errorf("attempt %d is %s: %w", attemptID, attempt.Status, errdomain.ErrAttemptNotLive)
	}
	return nil
}

// finishDocFetching maps the outcome of a run to a terminal status. Batches
// that were already staged are kept: a later attempt may reissue them.
func (w *Worker) finishDocFetching(
	ctx context.Context,
	logger *zap.Logger,
	attempt *repository.IndexAttemptModel,
	cc *repository.CCPairModel,
	ss *repository.SearchSettingsModel,
	err error,
) StageResult {
	switch {
	case err == nil:
		return stageOK()

	case errors.Is(err, errdomain.ErrConnectorValidation):
		res := w.finishWithCode(ctx, logger, attempt, CodeConnectorValidationError, repository.IndexingStatusCanceled, err)
		if cc != nil && ss != nil && ss.Status == repository.SearchSettingsStatusPresent {
			w.invalidateOnRepeatedValidationErrors(ctx, logger, cc.ID, ss.ID)
		}
		return res

	case errors.Is(err, errdomain.ErrConnectorStopSignal), errors.Is(err, context.Canceled):
		return w.finishWithCode(ctx, logger, attempt, CodeBlockedByStopSignal, repository.IndexingStatusCanceled, err)

	default:
		return w.finishWithCode(ctx, logger, attempt, CodeConnectorExceptioned, repository.IndexingStatusFailed, err)
	}
}

func (w *Worker) finishWithCode(
	ctx context.Context,
	logger *zap.Logger,
	attempt *repository.IndexAttemptModel,
	code TerminalCode,
	status repository.IndexingStatus,
	err error,
) StageResult {
	var reason, trace string
	switch code {
	case CodeConnectorValidationError:
		reason = constant.ConnectorValidationErrorPrefix + errorsx.MessageOrErr(err)
	case CodeBlockedByStopSignal, CodeBlockedByDeletion:
		reason = "Connector stop signal detected"
	default:
		reason = errorsx.MessageOrErr(err)
		trace = fmt.Sprintf("%+v", err)
	}

	// The attempt may outlive the activity context, e.g. on cancellation.
	markCtx := context.WithoutCancel(ctx)
	marked, merr := w.repository.MarkIndexAttemptTerminal(markCtx, attempt.ID, status, w.truncateMessage(reason), trace)
	if merr != nil {
		logger.Error("Failed to mark attempt terminal", zap.Stringer("code", code), zap.Error(merr))
	}

	logger.Warn("DocFetching ended",
		zap.Stringer("code", code),
		zap.String("status", string(status)),
		zap.Bool("marked", marked),
		zap.Error(err))
	return stageFatal(code, status, err)
}

// invalidateOnRepeatedValidationErrors marks the cc-pair INVALID when its
// latest attempts were all canceled by validation errors.
func (w *Worker) invalidateOnRepeatedValidationErrors(ctx context.Context, logger *zap.Logger, ccPairID, searchSettingsID uint) {
	ctx = context.WithoutCancel(ctx)
	threshold := w.cfg.ValidationErrorThreshold

	recent, err := w.repository.ListRecentCompletedIndexAttempts(ctx, ccPairID, searchSettingsID, threshold)
	if err != nil {
		logger.Warn("Failed to list recent attempts", zap.Error(err))
		return
	}
	if len(recent) < threshold {
		return
	}
	for _, a := range recent {
		if a.ErrorMsg == nil || !strings.HasPrefix(*a.ErrorMsg, constant.ConnectorValidationErrorPrefix) {
			return
		}
	}

	if err := w.repository.UpdateCCPairStatus(ctx, ccPairID, repository.CCPairStatusInvalid); err != nil {
		logger.Warn("Failed to invalidate cc-pair", zap.Error(err))
		return
	}
	logger.Warn("cc-pair marked invalid after repeated validation errors", zap.Int("attempts", threshold))
}
