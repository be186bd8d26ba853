// Package batchstorage stages the document batches extracted by the fetch
// stage until the process stage consumes them.
//
// A batch lives at iab/{cc_pair_id}/{index_attempt_id}/{batch_num}.json in
// the batch bucket. Batches written before the iab/ prefix existed are
// still recognized when they are listed for a cc-pair.
package batchstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/constant"
	"github.com/instill-ai/indexing-backend/pkg/repository/object"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

const (
	pathPrefix = "iab"
	pathSuffix = ".json"
)

// PathInfo is the identity of a batch, recovered from its path.
type PathInfo struct {
	CCPairID  uint
	AttemptID uint
	BatchNum  int
}

// Storage holds the batches of one index attempt. Listing, cleanup and
// reassignment operate on every batch of the attempt's cc-pair.
type Storage struct {
	store     object.Storage
	bucket    string
	ccPairID  uint
	attemptID uint
	logger    *zap.Logger
}

// New returns the batch storage of an index attempt.
func New(store object.Storage, bucket string, ccPairID, attemptID uint, logger *zap.Logger) *Storage {
	return &Storage{
		store:     store,
		bucket:    bucket,
		ccPairID:  ccPairID,
		attemptID: attemptID,
		logger: logger.With(
			zap.Uint("cc_pair_id", ccPairID),
			zap.Uint("index_attempt_id", attemptID),
		),
	}
}

// BatchPath returns the path of a batch.
func BatchPath(ccPairID, attemptID uint, batchNum int) string {
	return fmt.Sprintf("%s/%d/%d/%d%s", pathPrefix, ccPairID, attemptID, batchNum, pathSuffix)
}

func (s *Storage) path(batchNum int) string {
	return BatchPath(s.ccPairID, s.attemptID, batchNum)
}

// StoreBatch writes a batch. Writing the same batch number twice overwrites
// the previous content. The object is written in a single put, so readers
// never observe a partial batch.
func (s *Storage) StoreBatch(ctx context.Context, batchNum int, docs []types.Document) error {
	if batchNum < 0 {
		return fmt.Errorf("batch number %d: %w", batchNum, errorsx.ErrInvalidArgument)
	}
	if docs == nil {
		docs = []types.Document{}
	}

	content, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encoding batch %d: %w", batchNum, err)
	}

	if err := s.store.PutObject(ctx, s.bucket, s.path(batchNum), content, constant.BatchContentType); err != nil {
		return fmt.Errorf("storing batch %d: %w", batchNum, err)
	}

	s.logger.Debug("Stored document batch",
		zap.Int("batch_num", batchNum),
		zap.Int("documents", len(docs)),
		zap.Int("bytes", len(content)))
	return nil
}

// GetBatch reads a batch of the attempt. A batch that doesn't exist, e.g.
// because a previous run already consumed it, yields an error wrapping
// errors.ErrBatchNotFound.
func (s *Storage) GetBatch(ctx context.Context, batchNum int) ([]types.Document, error) {
	content, err := s.store.GetObject(ctx, s.bucket, s.path(batchNum))
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return nil, fmt.Errorf("batch %d of attempt %d: %w", batchNum, s.attemptID, errdomain.ErrBatchNotFound)
		}
		return nil, fmt.Errorf("reading batch %d: %w", batchNum, err)
	}

	var docs []types.Document
	if err := json.Unmarshal(content, &docs); err != nil {
		return nil, fmt.Errorf("decoding batch %d: %w", batchNum, err)
	}
	return docs, nil
}

// DeleteBatch removes a consumed batch. Deleting a missing batch isn't an
// error.
func (s *Storage) DeleteBatch(ctx context.Context, batchNum int) error {
	return s.DeleteBatchByPath(ctx, s.path(batchNum))
}

// DeleteBatchByPath removes the batch stored at the path.
func (s *Storage) DeleteBatchByPath(ctx context.Context, batchPath string) error {
	if err := s.store.DeleteObject(ctx, s.bucket, batchPath); err != nil {
		return fmt.Errorf("deleting batch %s: %w", batchPath, err)
	}
	return nil
}

// Filter selects stored batches by their identity. A nil Filter selects
// every batch.
type Filter func(PathInfo) (bool, error)

// OfAttempt selects the batches written by one attempt.
func OfAttempt(attemptID uint) Filter {
	return func(info PathInfo) (bool, error) {
		return info.AttemptID == attemptID, nil
	}
}

// ListCCPairBatches returns the path of the stored batches of the cc-pair
// that the filter selects, whatever attempt wrote them.
func (s *Storage) ListCCPairBatches(ctx context.Context, keep Filter) ([]string, error) {
	prefixes := []string{
		fmt.Sprintf("%s/%d/", pathPrefix, s.ccPairID),
		fmt.Sprintf("%d/", s.ccPairID),
	}

	var paths []string
	for _, prefix := range prefixes {
		objects, err := s.store.ListObjects(ctx, s.bucket, prefix)
		if err != nil {
			return nil, fmt.Errorf("listing batches under %s: %w", prefix, err)
		}
		for _, obj := range objects {
			info, ok := ParsePath(obj.Path)
			if !ok {
				continue
			}
			if keep != nil {
				selected, err := keep(info)
				if err != nil {
					return nil, fmt.Errorf("selecting batch %s: %w", obj.Path, err)
				}
				if !selected {
					continue
				}
			}
			paths = append(paths, obj.Path)
		}
	}
	return paths, nil
}

// CleanupAllBatches removes the stored batches of the cc-pair that the
// filter selects.
func (s *Storage) CleanupAllBatches(ctx context.Context, keep Filter) error {
	paths, err := s.ListCCPairBatches(ctx, keep)
	if err != nil {
		return err
	}

	for _, p := range paths {
		if err := s.DeleteBatchByPath(ctx, p); err != nil {
			return err
		}
	}

	if len(paths) > 0 {
		s.logger.Info("Cleaned up document batches", zap.Int("batches", len(paths)))
	}
	return nil
}

// CleanupAttemptBatches removes the stored batches of the attempt only.
// Batches of other attempts of the cc-pair, e.g. for other search
// settings, are left alone.
func (s *Storage) CleanupAttemptBatches(ctx context.Context) error {
	prefix := fmt.Sprintf("%s/%d/%d/", pathPrefix, s.ccPairID, s.attemptID)
	objects, err := s.store.ListObjects(ctx, s.bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing batches under %s: %w", prefix, err)
	}

	for _, obj := range objects {
		if _, ok := ParsePath(obj.Path); !ok {
			continue
		}
		if err := s.DeleteBatchByPath(ctx, obj.Path); err != nil {
			return err
		}
	}
	return nil
}

// ReassignBatches moves leftover batches of the cc-pair under the attempt
// of this storage, keeping their batch numbers. It returns the batch
// numbers of the moved batches, in the order of the paths. Two paths
// with the same batch number are rejected before anything moves.
func (s *Storage) ReassignBatches(ctx context.Context, paths []string) ([]int, error) {
	seen := make(map[int]string, len(paths))
	for _, p := range paths {
		info, ok := ParsePath(p)
		if !ok {
			continue
		}
		if prev, dup := seen[info.BatchNum]; dup {
			return nil, fmt.Errorf("batches %s and %s share number %d: %w", prev, p, info.BatchNum, errorsx.ErrInvalidArgument)
		}
		seen[info.BatchNum] = p
	}

	batchNums := make([]int, 0, len(paths))
	for _, p := range paths {
		info, ok := ParsePath(p)
		if !ok {
			s.logger.Warn("Skipping batch with unexpected path", zap.String("path", p))
			continue
		}
		if info.CCPairID != s.ccPairID {
			return nil, fmt.Errorf("batch %s doesn't belong to cc-pair %d: %w", p, s.ccPairID, errorsx.ErrInvalidArgument)
		}

		dst := s.path(info.BatchNum)
		if dst != p {
			if err := s.store.CopyObject(ctx, s.bucket, p, dst); err != nil {
				return nil, fmt.Errorf("reassigning batch %s: %w", p, err)
			}
			if err := s.DeleteBatchByPath(ctx, p); err != nil {
				return nil, err
			}
		}
		batchNums = append(batchNums, info.BatchNum)
	}
	return batchNums, nil
}

// ParsePath recovers the identity of a batch from its path. Both the
// current layout and the legacy one without the iab/ prefix are accepted.
func ParsePath(batchPath string) (PathInfo, bool) {
	parts := strings.Split(batchPath, "/")
	switch {
	case len(parts) == 4 && parts[0] == pathPrefix:
		parts = parts[1:]
	case len(parts) == 3:
	default:
		return PathInfo{}, false
	}

	name, ok := strings.CutSuffix(parts[2], pathSuffix)
	if !ok {
		return PathInfo{}, false
	}

	ccPairID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return PathInfo{}, false
	}
	attemptID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return PathInfo{}, false
	}
	batchNum, err := strconv.Atoi(name)
	if err != nil || batchNum < 0 {
		return PathInfo{}, false
	}

	return PathInfo{
		CCPairID:  uint(ccPairID),
		AttemptID: uint(attemptID),
		BatchNum:  batchNum,
	}, true
}
