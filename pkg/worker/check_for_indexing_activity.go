package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/batchstorage"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the periodic scheduler and monitor of the engine. One
// beat runs, under a cluster-wide lock:
// - kickoff: creates and dispatches the attempts that are due
// - validate: fails attempts that are inconsistent or lost their worker
// - monitor: finalizes the attempts whose batches were all processed

const (
	checkForIndexingLockKey   = "indexing:check-for-indexing"
	validateHeartbeatsLockKey = "indexing:validate-heartbeats"

	creationLockTTL     = 30 * time.Second
	creationLockTimeout = 15 * time.Second
)

func creationLockKey(ccPairID, searchSettingsID uint) string {
	return fmt.Sprintf("indexing:creation:%d:%d", ccPairID, searchSettingsID)
}

// CheckForIndexingResult summarizes a scheduler beat.
type CheckForIndexingResult struct {
	// Skipped is true when another worker was running the beat.
	Skipped   bool
	Created   int
	Finalized int
}

// CheckForIndexingActivity runs one beat of the scheduler. The phases run
// even if a previous one failed; their errors are joined.
func (w *Worker) CheckForIndexingActivity(ctx context.Context) (*CheckForIndexingResult, error) {
	lk, err := w.locker.TryAcquire(ctx, checkForIndexingLockKey, w.cfg.SchedulerInterval*4)
	if err != nil {
		if errors.Is(err, errdomain.ErrLockNotAcquired) {
			return &CheckForIndexingResult{Skipped: true}, nil
		}
		return nil, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			w.log.Warn("Failed to release scheduler lock", zap.Error(err))
		}
	}()

	res := &CheckForIndexingResult{}

	created, kickoffErr := w.kickoffIndexing(ctx)
	res.Created = created

	validateErr := w.validateIndexAttempts(ctx)

	finalized, monitorErr := w.monitorIndexAttempts(ctx)
	res.Finalized = finalized

	if err := errors.Join(kickoffErr, validateErr, monitorErr); err != nil {
		w.log.Error("Scheduler beat failed", zap.Error(err))
		return res, err
	}
	return res, nil
}

type pairKey struct {
	ccPairID         uint
	searchSettingsID uint
}

// kickoffIndexing creates an attempt for every pair that is due.
func (w *Worker) kickoffIndexing(ctx context.Context) (int, error) {
	settings, err := w.repository.ListActiveSearchSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing search settings: %w", err)
	}
	ccPairs, err := w.repository.ListCCPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing cc-pairs: %w", err)
	}

	var errs []error
	if err := w.checkIndexSwap(ctx, settings, ccPairs); err != nil {
		errs = append(errs, err)
	}
	// A swap changes the statuses.
	if settings, err = w.repository.ListActiveSearchSettings(ctx); err != nil {
		return 0, errors.Join(append(errs, err)...)
	}

	for i := range ccPairs {
		if err := w.updateRepeatedErrorState(ctx, &ccPairs[i], settings); err != nil {
			errs = append(errs, err)
		}
	}

	live, err := w.repository.ListNonTerminalIndexAttempts(ctx)
	if err != nil {
		return 0, errors.Join(append(errs, err)...)
	}
	running := make(map[pairKey]bool, len(live))
	for _, a := range live {
		running[pairKey{a.CCPairID, a.SearchSettingsID}] = true
	}

	now := w.now()
	created := 0
	for i := range ccPairs {
		cc := &ccPairs[i]
		if cc.Status == repository.CCPairStatusDeleting {
			continue
		}

		for j := range settings {
			ss := &settings[j]
			if running[pairKey{cc.ID, ss.ID}] {
				continue
			}
			if ss.Status == repository.SearchSettingsStatusFuture && !ss.BackgroundReindexEnabled {
				continue
			}

			current := ss.Status == repository.SearchSettingsStatusPresent
			fromBeginning := current && cc.IndexingTrigger != nil && *cc.IndexingTrigger == repository.IndexingTriggerReindex

			last, err := w.repository.GetLatestIndexAttempt(ctx, cc.ID, ss.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !shouldIndex(cc, ss, last, now) {
				continue
			}

			if current && cc.IndexingTrigger != nil {
				if err := w.repository.SetCCPairIndexingTrigger(ctx, cc.ID, nil); err != nil {
					errs = append(errs, err)
					continue
				}
				cc.IndexingTrigger = nil
			}

			ok, err := w.tryCreatingDocFetchingTask(ctx, cc.ID, ss.ID, fromBeginning)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				created++
			}
		}
	}

	return created, errors.Join(errs...)
}

// schedulable reports whether the scheduler ever creates attempts for the
// pair on its own.
func schedulable(cc *repository.CCPairModel) bool {
	return cc.Source != types.SourceNotApplicable &&
		cc.Source != types.SourceIngestionAPI &&
		cc.Status != repository.CCPairStatusDeleting
}

// checkIndexSwap promotes the FUTURE settings once every pair was indexed
// with them.
func (w *Worker) checkIndexSwap(ctx context.Context, settings []repository.SearchSettingsModel, ccPairs []repository.CCPairModel) error {
	for _, ss := range settings {
		if ss.Status != repository.SearchSettingsStatusFuture {
			continue
		}

		ready := true
		for i := range ccPairs {
			cc := &ccPairs[i]
			if !schedulable(cc) {
				continue
			}
			last, err := w.repository.GetLatestIndexAttempt(ctx, cc.ID, ss.ID)
			if err != nil {
				return err
			}
			if last == nil || !last.Status.IsSuccessful() {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		if err := w.repository.SwapSearchSettings(ctx, ss.ID); err != nil {
			return fmt.Errorf("swapping search settings %d: %w", ss.ID, err)
		}
		w.log.Info("Search settings swapped", zap.Uint("search_settings_id", ss.ID))
	}
	return nil
}

// updateRepeatedErrorState keeps the repeated-error flag of a pair in sync
// with its latest attempts on the PRESENT settings.
func (w *Worker) updateRepeatedErrorState(ctx context.Context, cc *repository.CCPairModel, settings []repository.SearchSettingsModel) error {
	if !schedulable(cc) {
		return nil
	}

	for _, ss := range settings {
		if ss.Status != repository.SearchSettingsStatusPresent {
			continue
		}

		recent, err := w.repository.ListRecentCompletedIndexAttempts(ctx, cc.ID, ss.ID, w.cfg.RepeatedErrorThreshold)
		if err != nil {
			return err
		}
		inError := inRepeatedErrorState(cc, recent, w.cfg.RepeatedErrorThreshold)
		if inError == cc.InRepeatedErrorState {
			return nil
		}

		if err := w.repository.SetCCPairRepeatedErrorState(ctx, cc.ID, inError); err != nil {
			return err
		}
		cc.InRepeatedErrorState = inError
		w.log.Info("Repeated error state changed",
			zap.Uint("cc_pair_id", cc.ID),
			zap.Bool("in_repeated_error_state", inError))
		return nil
	}
	return nil
}

// tryCreatingDocFetchingTask creates an attempt for the pair and dispatches
// its DocFetching task. It returns false when the pair is being created by
// someone else, already has a live attempt or is being deleted.
func (w *Worker) tryCreatingDocFetchingTask(ctx context.Context, ccPairID, searchSettingsID uint, fromBeginning bool) (bool, error) {
	logger := w.log.With(zap.Uint("cc_pair_id", ccPairID), zap.Uint("search_settings_id", searchSettingsID))

	lk, err := w.locker.Acquire(ctx, creationLockKey(ccPairID, searchSettingsID), creationLockTTL, creationLockTimeout)
	if err != nil {
		if errors.Is(err, errdomain.ErrLockNotAcquired) {
			logger.Info("Attempt creation already in progress")
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release creation lock", zap.Error(err))
		}
	}()

	cc, err := w.repository.GetCCPair(ctx, ccPairID)
	if err != nil {
		return false, err
	}
	if cc.Status == repository.CCPairStatusDeleting {
		return false, nil
	}

	taskID := docFetchingTaskID(ccPairID, searchSettingsID)
	attempt, err := w.repository.CreateIndexAttempt(ctx, repository.CreateIndexAttemptParams{
		CCPairID:         ccPairID,
		SearchSettingsID: searchSettingsID,
		TaskID:           taskID,
		FromBeginning:    fromBeginning,
	})
	if err != nil {
		if errors.Is(err, errorsx.ErrAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("creating index attempt: %w", err)
	}

	if err := w.dispatcher.DispatchDocFetching(ctx, DocFetchingParam{
		AttemptID:        attempt.ID,
		CCPairID:         ccPairID,
		SearchSettingsID: searchSettingsID,
		TaskID:           taskID,
		TenantID:         w.tenantID,
		HeartbeatTimeout: w.cfg.HeartbeatTimeout,
	}); err != nil {
		reason := fmt.Sprintf("Failed to dispatch DocFetching task: %s", errorsx.MessageOrErr(err))
		if _, merr := w.repository.MarkIndexAttemptTerminal(ctx, attempt.ID, repository.IndexingStatusFailed, w.truncateMessage(reason), fmt.Sprintf("%+v", err)); merr != nil {
			logger.Error("Failed to mark undispatched attempt as failed", zap.Error(merr))
		}
		return false, err
	}

	logger.Info("DocFetching task dispatched",
		zap.Uint("index_attempt_id", attempt.ID),
		zap.String("task_id", taskID),
		zap.Bool("from_beginning", fromBeginning))
	return true, nil
}

// validateIndexAttempts fails the live attempts that can't progress: those
// without a task and, at most once per validation interval, those whose
// heartbeat stopped.
func (w *Worker) validateIndexAttempts(ctx context.Context) error {
	live, err := w.repository.ListNonTerminalIndexAttempts(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range live {
		if a.TaskID != nil {
			continue
		}

		// Re-read to rule out an attempt that got its task meanwhile.
		fresh, err := w.repository.GetIndexAttempt(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if fresh.TaskID != nil || fresh.Status.IsTerminal() {
			continue
		}

		reason := fmt.Sprintf("Inconsistent index attempt found - active status without task id: attempt %d, cc-pair %d, search settings %d",
			fresh.ID, fresh.CCPairID, fresh.SearchSettingsID)
		if err := w.failAttempt(ctx, fresh, reason); err != nil {
			errs = append(errs, err)
		}
	}

	allowed, err := w.locker.Allow(ctx, validateHeartbeatsLockKey, w.cfg.ValidationInterval)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if allowed {
		if err := w.validateHeartbeats(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateHeartbeats compares the heartbeat counter of every live attempt
// with the value seen by the previous scan.
func (w *Worker) validateHeartbeats(ctx context.Context) error {
	live, err := w.repository.ListNonTerminalIndexAttempts(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	var errs []error
	for i := range live {
		a := &live[i]
		if a.TaskID == nil {
			continue
		}

		switch {
		case a.LastHeartbeatTime == nil, a.HeartbeatCounter != a.LastHeartbeatValue:
			if err := w.repository.UpdateIndexAttemptLastHeartbeat(ctx, a.ID, a.HeartbeatCounter, now); err != nil {
				errs = append(errs, err)
			}
		case now.Sub(*a.LastHeartbeatTime) > w.cfg.HeartbeatTimeout:
			reason := fmt.Sprintf("No heartbeat received for %d seconds", int(now.Sub(*a.LastHeartbeatTime).Seconds()))
			if err := w.failAttempt(ctx, a, reason); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// monitorIndexAttempts advances every live attempt and returns how many
// reached a terminal status.
func (w *Worker) monitorIndexAttempts(ctx context.Context) (int, error) {
	live, err := w.repository.ListNonTerminalIndexAttempts(ctx)
	if err != nil {
		return 0, err
	}

	finalized := 0
	var errs []error
	for i := range live {
		a := &live[i]
		if a.TaskID == nil {
			continue
		}

		done, err := w.monitorIndexAttempt(ctx, a)
		if err != nil {
			w.log.Error("Monitoring index attempt failed", zap.Uint("index_attempt_id", a.ID), zap.Error(err))
			reason := fmt.Sprintf("Processing monitoring failed: %s", errorsx.MessageOrErr(err))
			if ferr := w.failAttempt(ctx, a, reason); ferr != nil {
				errs = append(errs, ferr)
				continue
			}
			finalized++
			continue
		}
		if done {
			finalized++
		}
	}
	return finalized, errors.Join(errs...)
}

func (w *Worker) monitorIndexAttempt(ctx context.Context, a *repository.IndexAttemptModel) (bool, error) {
	logger := w.log.With(zap.Uint("index_attempt_id", a.ID), zap.Uint("cc_pair_id", a.CCPairID))

	cc, err := w.repository.GetCCPair(ctx, a.CCPairID)
	if err != nil {
		return false, err
	}
	ss, err := w.repository.GetSearchSettings(ctx, a.SearchSettingsID)
	if err != nil {
		return false, err
	}
	if cc.Status == repository.CCPairStatusScheduled && ss.Status == repository.SearchSettingsStatusPresent {
		if err := w.repository.UpdateCCPairStatus(ctx, cc.ID, repository.CCPairStatusInitialIndexing); err != nil {
			return false, err
		}
	}

	status, err := w.repository.GetCoordinationStatus(ctx, a.ID)
	if err != nil {
		return false, err
	}
	if !status.Found || status.Status.IsTerminal() {
		return false, nil
	}

	if status.CancellationRequested {
		marked, err := w.repository.MarkIndexAttemptTerminal(ctx, a.ID, repository.IndexingStatusCanceled, "Indexing canceled by user request", "")
		if err != nil {
			return false, err
		}
		w.cleanupAttemptBatches(ctx, logger, a)
		logger.Info("Index attempt canceled")
		return marked, nil
	}

	if status.Status == repository.IndexingStatusInProgress {
		progressing, err := w.repository.UpdateProgressTracking(ctx, a.ID, status.CompletedBatches, w.cfg.StallTimeout, w.now())
		if err != nil {
			return false, err
		}
		if !progressing {
			reason := fmt.Sprintf("Stalled indexing: no batch completed for %s (%d of %s batches completed)",
				w.cfg.StallTimeout, status.CompletedBatches, totalBatchesString(status.TotalBatches))
			if err := w.failAttempt(ctx, a, reason); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	if !status.ProcessingDone() {
		return false, nil
	}

	final := repository.IndexingStatusSucceeded
	if status.TotalFailures > 0 {
		final = repository.IndexingStatusPartiallySucceeded
	}
	marked, err := w.repository.MarkIndexAttemptTerminal(ctx, a.ID, final, "", "")
	if err != nil {
		return false, err
	}
	if !marked {
		return false, nil
	}

	fresh, err := w.repository.GetIndexAttempt(ctx, a.ID)
	if err != nil {
		return true, err
	}
	if ss.Status == repository.SearchSettingsStatusPresent {
		if err := w.repository.MarkCCPairIndexingSucceeded(ctx, cc.ID, fresh.TimeUpdated); err != nil {
			return true, err
		}
	}
	if final == repository.IndexingStatusSucceeded {
		if _, err := w.repository.ResolveEntityIndexAttemptErrors(ctx, cc.ID); err != nil {
			logger.Warn("Failed to resolve entity errors", zap.Error(err))
		}
	}
	w.cleanupAttemptBatches(ctx, logger, a)

	logger.Info("Index attempt finalized",
		zap.String("status", string(final)),
		zap.Int("total_batches", *status.TotalBatches),
		zap.Int("total_docs", status.TotalDocs),
		zap.Int("total_chunks", status.TotalChunks),
		zap.Int("total_failures", status.TotalFailures))
	return true, nil
}

// failAttempt moves a live attempt to FAILED. Its staged batches are kept
// for the next attempt to resume.
func (w *Worker) failAttempt(ctx context.Context, a *repository.IndexAttemptModel, reason string) error {
	marked, err := w.repository.MarkIndexAttemptTerminal(ctx, a.ID, repository.IndexingStatusFailed, w.truncateMessage(reason), "")
	if err != nil {
		return err
	}
	if marked {
		w.log.Warn("Index attempt failed",
			zap.Uint("index_attempt_id", a.ID),
			zap.Uint("cc_pair_id", a.CCPairID),
			zap.String("reason", reason))
	}
	return nil
}

func (w *Worker) cleanupAttemptBatches(ctx context.Context, logger *zap.Logger, a *repository.IndexAttemptModel) {
	storage := batchstorage.New(w.objects, w.cfg.BatchBucket, a.CCPairID, a.ID, logger)
	if err := storage.CleanupAttemptBatches(ctx); err != nil {
		logger.Warn("Failed to clean up attempt batches", zap.Error(err))
	}
}

func totalBatchesString(total *int) string {
	if total == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *total)
}
