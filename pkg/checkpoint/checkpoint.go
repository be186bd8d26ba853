// Package checkpoint persists the resumable cursors of connectors.
//
// The checkpoint of an attempt is a JSON object in the batch bucket; the
// attempt row only stores its path. That keeps large cursors out of the
// rows the scheduler reads on every pass.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/constant"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/object"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// lookback is the number of completed attempts inspected when looking for a
// checkpoint to resume from.
const lookback = 5

// Repository is the subset of the attempt store the checkpoint store needs.
type Repository interface {
	ListRecentCompletedIndexAttempts(ctx context.Context, ccPairID, searchSettingsID uint, limit int) ([]repository.IndexAttemptModel, error)
	SetIndexAttemptCheckpointPointer(ctx context.Context, id uint, pointer string) error
	ListIndexAttemptsWithExpiredCheckpoints(ctx context.Context, before time.Time) ([]repository.IndexAttemptModel, error)
}

// Store reads and writes connector checkpoints.
type Store struct {
	repo      Repository
	objects   object.Storage
	bucket    string
	sizeLimit int
	logger    *zap.Logger
}

// NewStore returns a checkpoint store. Checkpoints larger than sizeLimit
// bytes are rejected by CheckSize.
func NewStore(repo Repository, objects object.Storage, bucket string, sizeLimit int, logger *zap.Logger) *Store {
	return &Store{
		repo:      repo,
		objects:   objects,
		bucket:    bucket,
		sizeLimit: sizeLimit,
		logger:    logger,
	}
}

// Path returns the object path of the checkpoint of an attempt.
func Path(ccPairID, attemptID uint) string {
	return fmt.Sprintf("checkpoint/%d/%d.json", ccPairID, attemptID)
}

// Save writes the checkpoint of an attempt and points the attempt at it.
func (s *Store) Save(ctx context.Context, ccPairID, attemptID uint, cp types.Checkpoint) error {
	content, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	p := Path(ccPairID, attemptID)
	if err := s.objects.PutObject(ctx, s.bucket, p, content, constant.BatchContentType); err != nil {
		return fmt.Errorf("storing checkpoint of attempt %d: %w", attemptID, err)
	}

	return s.repo.SetIndexAttemptCheckpointPointer(ctx, attemptID, p)
}

// Load reads the checkpoint stored at the pointer.
func (s *Store) Load(ctx context.Context, pointer string) (types.Checkpoint, error) {
	content, err := s.objects.GetObject(ctx, s.bucket, pointer)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("reading checkpoint %s: %w", pointer, err)
	}

	var cp types.Checkpoint
	if err := json.Unmarshal(content, &cp); err != nil {
		return types.Checkpoint{}, fmt.Errorf("decoding checkpoint %s: %w", pointer, err)
	}
	return cp, nil
}

// GetLatestValidCheckpoint returns the checkpoint a new attempt of the pair
// should resume from, and whether it's an actual resumption. The latest
// checkpoint is only valid when the attempt that wrote it didn't succeed
// and covered exactly the same window: a cursor built over another slice of
// the source would skip or repeat documents. In any other case the dummy
// checkpoint is returned.
func (s *Store) GetLatestValidCheckpoint(
	ctx context.Context,
	ccPairID, searchSettingsID uint,
	window types.TimeWindow,
	dummy types.Checkpoint,
) (types.Checkpoint, bool, error) {
	logger := s.logger.With(zap.Uint("cc_pair_id", ccPairID), zap.Uint("search_settings_id", searchSettingsID))

	attempts, err := s.repo.ListRecentCompletedIndexAttempts(ctx, ccPairID, searchSettingsID, lookback)
	if err != nil {
		return types.Checkpoint{}, false, fmt.Errorf("listing recent attempts: %w", err)
	}

	var candidate *repository.IndexAttemptModel
	for i := range attempts {
		a := &attempts[i]
		if a.Status.IsSuccessful() {
			break
		}
		if a.CheckpointPointer != nil {
			candidate = a
			break
		}
	}
	if candidate == nil {
		return dummy, false, nil
	}

	if !sameTime(candidate.PollRangeStart, window.Start) || !sameTime(candidate.PollRangeEnd, window.End) {
		logger.Info("Latest checkpoint was built over another window, starting fresh",
			zap.Uint("index_attempt_id", candidate.ID),
			zap.Time("window_start", window.Start),
			zap.Time("window_end", window.End))
		return dummy, false, nil
	}

	cp, err := s.Load(ctx, *candidate.CheckpointPointer)
	if err != nil {
		logger.Warn("Couldn't load latest checkpoint, starting fresh",
			zap.Uint("index_attempt_id", candidate.ID),
			zap.Error(err))
		return dummy, false, nil
	}

	logger.Info("Resuming from checkpoint", zap.Uint("index_attempt_id", candidate.ID))
	return cp, true, nil
}

func sameTime(stored *time.Time, t time.Time) bool {
	return stored != nil && stored.Equal(t)
}

// CheckSize rejects checkpoints larger than the configured limit.
func (s *Store) CheckSize(cp types.Checkpoint) error {
	size, err := cp.Size()
	if err != nil {
		return fmt.Errorf("measuring checkpoint: %w", err)
	}
	if size > s.sizeLimit {
		return fmt.Errorf("checkpoint is %d bytes, limit is %d: %w", size, s.sizeLimit, errdomain.ErrCheckpointTooLarge)
	}
	return nil
}

// Cleanup deletes the checkpoint of an attempt.
func (s *Store) Cleanup(ctx context.Context, attempt repository.IndexAttemptModel) error {
	if attempt.CheckpointPointer == nil {
		return nil
	}
	if err := s.objects.DeleteObject(ctx, s.bucket, *attempt.CheckpointPointer); err != nil {
		return fmt.Errorf("deleting checkpoint of attempt %d: %w", attempt.ID, err)
	}
	return s.repo.SetIndexAttemptCheckpointPointer(ctx, attempt.ID, "")
}

// CleanupExpired deletes the checkpoints of the terminal attempts that
// weren't updated during the retention period. It returns the number of
// deleted checkpoints. A failure on one attempt doesn't stop the others.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	attempts, err := s.repo.ListIndexAttemptsWithExpiredCheckpoints(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("listing expired checkpoints: %w", err)
	}

	cleaned := 0
	for _, a := range attempts {
		if err := s.Cleanup(ctx, a); err != nil {
			s.logger.Warn("Couldn't clean up checkpoint",
				zap.Uint("index_attempt_id", a.ID),
				zap.Error(err))
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
