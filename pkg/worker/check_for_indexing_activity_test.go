package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/indexing-backend/pkg/connector/static"
	"github.com/instill-ai/indexing-backend/pkg/repository"
)

func TestKickoffIndexing(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("new pair", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{Documents: testDocs(1)})

		created, err := e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(created, qt.Equals, 1)
		c.Assert(e.dispatcher.fetching, qt.HasLen, 1)

		p := e.dispatcher.fetching[0]
		c.Check(p.CCPairID, qt.Equals, e.fixture.CCPair.ID)
		c.Check(p.SearchSettingsID, qt.Equals, e.fixture.SearchSettings.ID)
		c.Check(p.HeartbeatTimeout, qt.Equals, e.w.cfg.HeartbeatTimeout)

		a := e.attempt(c, p.AttemptID)
		c.Assert(a.TaskID, qt.IsNotNil)
		c.Check(*a.TaskID, qt.Equals, p.TaskID)
		c.Check(a.FromBeginning, qt.IsFalse)

		// A live attempt blocks the next one.
		created, err = e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(created, qt.Equals, 0)
	})

	c.Run("reindex trigger", func(c *qt.C) {
		trigger := repository.IndexingTriggerReindex
		e := newTestEnv(c, repository.CCPairModel{IndexingTrigger: &trigger}, static.Config{})

		created, err := e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Assert(created, qt.Equals, 1)

		c.Check(e.attempt(c, e.dispatcher.fetching[0].AttemptID).FromBeginning, qt.IsTrue)
		c.Check(e.ccPair(c).IndexingTrigger, qt.IsNil)
	})

	c.Run("paused pair", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{Status: repository.CCPairStatusPaused}, static.Config{})

		created, err := e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(created, qt.Equals, 0)
	})

	c.Run("refresh frequency", func(c *qt.C) {
		freq := 60
		e := newTestEnv(c, repository.CCPairModel{RefreshFreq: &freq}, static.Config{})

		p := e.createAttempt(c, false)
		_, err := e.repo.MarkIndexAttemptTerminal(ctx, p.AttemptID, repository.IndexingStatusSucceeded, "", "")
		c.Assert(err, qt.IsNil)
		updated := e.attempt(c, p.AttemptID).TimeUpdated

		e.now = updated.Add(30 * time.Second)
		created, err := e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(created, qt.Equals, 0)

		e.now = updated.Add(2 * time.Minute)
		created, err = e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(created, qt.Equals, 1)
	})

	c.Run("dispatch failure fails the attempt", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{})
		e.dispatcher.err = fmt.Errorf("temporal unavailable")

		created, err := e.w.kickoffIndexing(ctx)
		c.Check(err, qt.ErrorMatches, ".*temporal unavailable.*")
		c.Check(created, qt.Equals, 0)

		a, err := e.repo.GetLatestIndexAttempt(ctx, e.fixture.CCPair.ID, e.fixture.SearchSettings.ID)
		c.Assert(err, qt.IsNil)
		c.Assert(a, qt.IsNotNil)
		c.Check(a.Status, qt.Equals, repository.IndexingStatusFailed)
	})

	c.Run("repeated error state", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{})

		p := e.createAttempt(c, false)
		_, err := e.repo.MarkIndexAttemptTerminal(ctx, p.AttemptID, repository.IndexingStatusFailed, "boom", "")
		c.Assert(err, qt.IsNil)

		created, err := e.w.kickoffIndexing(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(created, qt.Equals, 0)
		c.Check(e.ccPair(c).InRepeatedErrorState, qt.IsTrue)
	})
}

func TestKickoffIndexing_IndexSwap(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newTestEnv(c, repository.CCPairModel{}, static.Config{})

	future, err := e.repo.CreateSearchSettings(ctx, repository.SearchSettingsModel{
		ModelName:                "text-embedding-3-large",
		Dimension:                3072,
		Status:                   repository.SearchSettingsStatusFuture,
		BackgroundReindexEnabled: true,
	})
	c.Assert(err, qt.IsNil)

	created, err := e.w.kickoffIndexing(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.Equals, 2)

	for _, p := range e.dispatcher.fetching {
		_, err := e.repo.MarkIndexAttemptTerminal(ctx, p.AttemptID, repository.IndexingStatusSucceeded, "", "")
		c.Assert(err, qt.IsNil)
	}

	_, err = e.w.kickoffIndexing(ctx)
	c.Assert(err, qt.IsNil)

	ss, err := e.repo.GetSearchSettings(ctx, future.ID)
	c.Assert(err, qt.IsNil)
	c.Check(ss.Status, qt.Equals, repository.SearchSettingsStatusPresent)

	old, err := e.repo.GetSearchSettings(ctx, e.fixture.SearchSettings.ID)
	c.Assert(err, qt.IsNil)
	c.Check(old.Status, qt.Equals, repository.SearchSettingsStatusPast)
}

func TestValidateIndexAttempts(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("attempt without task", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{})
		a, err := e.repo.CreateIndexAttempt(ctx, repository.CreateIndexAttemptParams{
			CCPairID:         e.fixture.CCPair.ID,
			SearchSettingsID: e.fixture.SearchSettings.ID,
		})
		c.Assert(err, qt.IsNil)

		c.Assert(e.w.validateIndexAttempts(ctx), qt.IsNil)

		got := e.attempt(c, a.ID)
		c.Check(got.Status, qt.Equals, repository.IndexingStatusFailed)
		c.Assert(got.ErrorMsg, qt.IsNotNil)
		c.Check(strings.HasPrefix(*got.ErrorMsg, "Inconsistent index attempt found"), qt.IsTrue)
	})

	c.Run("heartbeat timeout", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{})
		p := e.createAttempt(c, false)

		c.Assert(e.w.validateHeartbeats(ctx), qt.IsNil)
		c.Check(e.attempt(c, p.AttemptID).LastHeartbeatTime, qt.IsNotNil)

		// A moving counter keeps the attempt alive.
		c.Assert(e.repo.IncrementIndexAttemptHeartbeat(ctx, p.AttemptID), qt.IsNil)
		e.now = e.now.Add(e.w.cfg.HeartbeatTimeout + time.Minute)
		c.Assert(e.w.validateHeartbeats(ctx), qt.IsNil)
		c.Check(e.attempt(c, p.AttemptID).Status, qt.Equals, repository.IndexingStatusNotStarted)

		e.now = e.now.Add(e.w.cfg.HeartbeatTimeout + time.Minute)
		c.Assert(e.w.validateHeartbeats(ctx), qt.IsNil)

		got := e.attempt(c, p.AttemptID)
		c.Check(got.Status, qt.Equals, repository.IndexingStatusFailed)
		c.Assert(got.ErrorMsg, qt.IsNotNil)
		c.Check(*got.ErrorMsg, qt.Matches, `No heartbeat received for \d+ seconds`)
	})
}

func TestMonitorIndexAttempts(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("cancellation", func(c *qt.C) {
		e, param, _ := fetched(c, 4)
		c.Assert(e.repo.RequestCancellation(ctx, param.AttemptID), qt.IsNil)

		finalized, err := e.w.monitorIndexAttempts(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(finalized, qt.Equals, 1)
		c.Check(e.attempt(c, param.AttemptID).Status, qt.Equals, repository.IndexingStatusCanceled)
		c.Check(e.stagedBatches(c), qt.HasLen, 0)
	})

	c.Run("stall", func(c *qt.C) {
		e, param, _ := fetched(c, 4)

		finalized, err := e.w.monitorIndexAttempts(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(finalized, qt.Equals, 0)

		e.now = e.now.Add(e.w.cfg.StallTimeout)
		finalized, err = e.w.monitorIndexAttempts(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(finalized, qt.Equals, 1)

		got := e.attempt(c, param.AttemptID)
		c.Check(got.Status, qt.Equals, repository.IndexingStatusFailed)
		c.Assert(got.ErrorMsg, qt.IsNotNil)
		c.Check(strings.HasPrefix(*got.ErrorMsg, "Stalled indexing"), qt.IsTrue)
		// Batches are kept for the next attempt.
		c.Check(e.stagedBatches(c), qt.HasLen, 2)
	})

	c.Run("waits for processing", func(c *qt.C) {
		e, param, batches := fetched(c, 4)
		c.Assert(e.w.processBatch(ctx, batches[0]).Failed(), qt.IsFalse)

		finalized, err := e.w.monitorIndexAttempts(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(finalized, qt.Equals, 0)
		c.Check(e.attempt(c, param.AttemptID).Status, qt.Equals, repository.IndexingStatusInProgress)
	})
}

func TestCheckForIndexingActivity(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("beat", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{})

		res, err := e.w.CheckForIndexingActivity(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(res.Skipped, qt.IsFalse)
		c.Check(res.Created, qt.Equals, 1)
	})

	c.Run("skipped while another beat runs", func(c *qt.C) {
		e := newTestEnv(c, repository.CCPairModel{}, static.Config{})
		lk, err := e.w.locker.TryAcquire(ctx, checkForIndexingLockKey, time.Minute)
		c.Assert(err, qt.IsNil)
		defer lk.Release(ctx)

		res, err := e.w.CheckForIndexingActivity(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(res.Skipped, qt.IsTrue)
		c.Check(e.dispatcher.fetching, qt.HasLen, 0)
	})
}

func TestCheckpointCleanupActivity(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	e, param, _ := fetched(c, 1)
	_, err := e.repo.MarkIndexAttemptTerminal(ctx, param.AttemptID, repository.IndexingStatusFailed, "boom", "")
	c.Assert(err, qt.IsNil)
	c.Assert(e.attempt(c, param.AttemptID).CheckpointPointer, qt.IsNotNil)

	cleaned, err := e.w.CheckpointCleanupActivity(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(cleaned, qt.Equals, 0)

	e.now = time.Now().Add(e.w.cfg.CheckpointRetention + time.Hour)
	cleaned, err = e.w.CheckpointCleanupActivity(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(cleaned, qt.Equals, 1)
	c.Check(e.attempt(c, param.AttemptID).CheckpointPointer, qt.IsNil)
}
