package worker

import (
	"time"

	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/types"
)

// shouldIndex decides whether the scheduler creates an attempt for the
// pair. last is the latest attempt of the pair, nil if it never ran.
func shouldIndex(cc *repository.CCPairModel, ss *repository.SearchSettingsModel, last *repository.IndexAttemptModel, now time.Time) bool {
	if cc.Source == types.SourceNotApplicable {
		return false
	}

	// A FUTURE index is built once, whatever the state of the pair, so
	// that the swap isn't held back by paused pairs.
	if ss.Status == repository.SearchSettingsStatusFuture {
		if last != nil {
			switch last.Status {
			case repository.IndexingStatusSucceeded, repository.IndexingStatusNotStarted, repository.IndexingStatusInProgress:
				return false
			}
			return true
		}
		return cc.Source != types.SourceIngestionAPI
	}

	if !cc.Status.IsActive() || cc.Source == types.SourceIngestionAPI {
		return false
	}

	if cc.IndexingTrigger != nil {
		return true
	}
	if last == nil {
		return true
	}
	if cc.RefreshFreq == nil {
		return false
	}

	// The first index is retried right away until it fails repeatedly.
	if cc.Status == repository.CCPairStatusInitialIndexing && !cc.InRepeatedErrorState {
		return true
	}

	refresh := time.Duration(*cc.RefreshFreq) * time.Second
	return now.Sub(last.TimeUpdated) >= refresh
}

// inRepeatedErrorState reports whether the latest attempts of a pair all
// failed. recent is ordered from the most recent. A pair that isn't
// refreshed automatically is in error as soon as its last attempt failed.
func inRepeatedErrorState(cc *repository.CCPairModel, recent []repository.IndexAttemptModel, threshold int) bool {
	n := threshold
	if cc.RefreshFreq == nil {
		n = 1
	}
	if n <= 0 || len(recent) < n {
		return false
	}

	for _, a := range recent[:n] {
		if a.Status != repository.IndexingStatusFailed {
			return false
		}
	}
	return true
}
