package repository_test

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/repositorytest"

	errorsx "github.com/instill-ai/x/errors"
)

func newAttempt(c *qt.C, repo repository.Repository, f repositorytest.Fixture) *repository.IndexAttemptModel {
	c.Helper()
	a, err := repo.CreateIndexAttempt(context.Background(), repository.CreateIndexAttemptParams{
		CCPairID:         f.CCPair.ID,
		SearchSettingsID: f.SearchSettings.ID,
		TaskID:           "docfetching-task",
	})
	c.Assert(err, qt.IsNil)
	return a
}

func TestIndexingStatus(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		status     repository.IndexingStatus
		terminal   bool
		successful bool
	}{
		{status: repository.IndexingStatusNotStarted},
		{status: repository.IndexingStatusInProgress},
		{status: repository.IndexingStatusSucceeded, terminal: true, successful: true},
		{status: repository.IndexingStatusPartiallySucceeded, terminal: true, successful: true},
		{status: repository.IndexingStatusFailed, terminal: true},
		{status: repository.IndexingStatusCanceled, terminal: true},
	}

	for _, tc := range testCases {
		c.Run(string(tc.status), func(c *qt.C) {
			c.Check(tc.status.IsTerminal(), qt.Equals, tc.terminal)
			c.Check(tc.status.IsSuccessful(), qt.Equals, tc.successful)
		})
	}
}

func TestRepository_CreateIndexAttempt(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})

	params := repository.CreateIndexAttemptParams{
		CCPairID:         f.CCPair.ID,
		SearchSettingsID: f.SearchSettings.ID,
		TaskID:           "task-1",
		FromBeginning:    true,
	}

	first, err := repo.CreateIndexAttempt(ctx, params)
	c.Assert(err, qt.IsNil)
	c.Check(first.Status, qt.Equals, repository.IndexingStatusNotStarted)
	c.Check(*first.TaskID, qt.Equals, "task-1")
	c.Check(first.FromBeginning, qt.IsTrue)
	c.Check(first.TotalBatches, qt.IsNil)

	c.Run("ok - a live attempt blocks a second one", func(c *qt.C) {
		_, err := repo.CreateIndexAttempt(ctx, params)
		c.Check(err, qt.ErrorIs, errorsx.ErrAlreadyExists)

		_, err = repo.TransitionIndexAttemptToInProgress(ctx, first.ID)
		c.Assert(err, qt.IsNil)
		_, err = repo.CreateIndexAttempt(ctx, params)
		c.Check(err, qt.ErrorIs, errorsx.ErrAlreadyExists)
	})

	c.Run("ok - other search settings aren't blocked", func(c *qt.C) {
		future, err := repo.CreateSearchSettings(ctx, repository.SearchSettingsModel{
			ModelName: "gemini-embedding-001",
			Status:    repository.SearchSettingsStatusFuture,
		})
		c.Assert(err, qt.IsNil)

		other := params
		other.SearchSettingsID = future.ID
		_, err = repo.CreateIndexAttempt(ctx, other)
		c.Check(err, qt.IsNil)
	})

	c.Run("ok - a terminal attempt releases the pair", func(c *qt.C) {
		ok, err := repo.MarkIndexAttemptTerminal(ctx, first.ID, repository.IndexingStatusFailed, "boom", "")
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsTrue)

		second, err := repo.CreateIndexAttempt(ctx, params)
		c.Assert(err, qt.IsNil)
		c.Check(second.ID, qt.Not(qt.Equals), first.ID)

		latest, err := repo.GetLatestIndexAttempt(ctx, f.CCPair.ID, f.SearchSettings.ID)
		c.Assert(err, qt.IsNil)
		c.Check(latest.ID, qt.Equals, second.ID)
	})
}

func TestRepository_GetIndexAttempt(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)

	_, err := repo.GetIndexAttempt(ctx, 42)
	c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)

	latest, err := repo.GetLatestIndexAttempt(ctx, 1, 1)
	c.Check(err, qt.IsNil)
	c.Check(latest, qt.IsNil)
}

func TestRepository_TransitionIndexAttemptToInProgress(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})
	attempt := newAttempt(c, repo, f)

	got, err := repo.TransitionIndexAttemptToInProgress(ctx, attempt.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.Status, qt.Equals, repository.IndexingStatusInProgress)
	c.Check(got.TimeStarted, qt.IsNotNil)

	_, err = repo.TransitionIndexAttemptToInProgress(ctx, attempt.ID)
	c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)

	_, err = repo.TransitionIndexAttemptToInProgress(ctx, attempt.ID+100)
	c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
}

func TestRepository_MarkIndexAttemptTerminal(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})
	attempt := newAttempt(c, repo, f)

	_, err := repo.MarkIndexAttemptTerminal(ctx, attempt.ID, repository.IndexingStatusInProgress, "", "")
	c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)

	ok, err := repo.MarkIndexAttemptTerminal(ctx, attempt.ID, repository.IndexingStatusCanceled, "canceled by user", "trace")
	c.Assert(err, qt.IsNil)
	c.Check(ok, qt.IsTrue)

	// Terminal attempts are never overwritten.
	ok, err = repo.MarkIndexAttemptTerminal(ctx, attempt.ID, repository.IndexingStatusSucceeded, "", "")
	c.Assert(err, qt.IsNil)
	c.Check(ok, qt.IsFalse)

	got, err := repo.GetIndexAttempt(ctx, attempt.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.Status, qt.Equals, repository.IndexingStatusCanceled)
	c.Check(*got.ErrorMsg, qt.Equals, "canceled by user")
	c.Check(*got.FullExceptionTrace, qt.Equals, "trace")
}

func TestRepository_ListIndexAttempts(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})

	end1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end2 := end1.Add(time.Hour)

	a1 := newAttempt(c, repo, f)
	c.Assert(repo.UpdateIndexAttemptPollRange(ctx, a1.ID, time.Unix(0, 0).UTC(), end1), qt.IsNil)
	_, err := repo.MarkIndexAttemptTerminal(ctx, a1.ID, repository.IndexingStatusSucceeded, "", "")
	c.Assert(err, qt.IsNil)

	a2 := newAttempt(c, repo, f)
	c.Assert(repo.UpdateIndexAttemptPollRange(ctx, a2.ID, end1, end2), qt.IsNil)
	_, err = repo.MarkIndexAttemptTerminal(ctx, a2.ID, repository.IndexingStatusFailed, "boom", "")
	c.Assert(err, qt.IsNil)

	a3 := newAttempt(c, repo, f)

	live, err := repo.ListNonTerminalIndexAttempts(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(live, qt.HasLen, 1)
	c.Check(live[0].ID, qt.Equals, a3.ID)

	completed, err := repo.ListRecentCompletedIndexAttempts(ctx, f.CCPair.ID, f.SearchSettings.ID, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(completed, qt.HasLen, 2)
	c.Check(completed[0].ID, qt.Equals, a2.ID)
	c.Check(completed[1].ID, qt.Equals, a1.ID)

	completed, err = repo.ListRecentCompletedIndexAttempts(ctx, f.CCPair.ID, f.SearchSettings.ID, 1)
	c.Assert(err, qt.IsNil)
	c.Check(completed, qt.HasLen, 1)

	// The failed attempt doesn't move the successful poll range.
	lastEnd, err := repo.GetLastSuccessfulPollRangeEnd(ctx, f.CCPair.ID, f.SearchSettings.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(lastEnd, qt.IsNotNil)
	c.Check(lastEnd.Equal(end1), qt.IsTrue)
}

func TestRepository_Heartbeat(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})
	attempt := newAttempt(c, repo, f)

	for range 3 {
		c.Assert(repo.IncrementIndexAttemptHeartbeat(ctx, attempt.ID), qt.IsNil)
	}

	now := time.Now().UTC()
	c.Assert(repo.UpdateIndexAttemptLastHeartbeat(ctx, attempt.ID, 3, now), qt.IsNil)

	got, err := repo.GetIndexAttempt(ctx, attempt.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.HeartbeatCounter, qt.Equals, 3)
	c.Check(got.LastHeartbeatValue, qt.Equals, 3)
	c.Check(got.LastHeartbeatTime, qt.IsNotNil)
}

func TestRepository_CheckpointPointers(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})

	done := newAttempt(c, repo, f)
	c.Assert(repo.SetIndexAttemptCheckpointPointer(ctx, done.ID, "checkpoints/1.json"), qt.IsNil)
	_, err := repo.MarkIndexAttemptTerminal(ctx, done.ID, repository.IndexingStatusFailed, "boom", "")
	c.Assert(err, qt.IsNil)

	live := newAttempt(c, repo, f)
	c.Assert(repo.SetIndexAttemptCheckpointPointer(ctx, live.ID, "checkpoints/2.json"), qt.IsNil)

	expired, err := repo.ListIndexAttemptsWithExpiredCheckpoints(ctx, time.Now().UTC().Add(-time.Hour))
	c.Assert(err, qt.IsNil)
	c.Check(expired, qt.HasLen, 0)

	expired, err = repo.ListIndexAttemptsWithExpiredCheckpoints(ctx, time.Now().UTC().Add(time.Hour))
	c.Assert(err, qt.IsNil)
	c.Assert(expired, qt.HasLen, 1)
	c.Check(expired[0].ID, qt.Equals, done.ID)

	c.Assert(repo.SetIndexAttemptCheckpointPointer(ctx, done.ID, ""), qt.IsNil)
	got, err := repo.GetIndexAttempt(ctx, done.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.CheckpointPointer, qt.IsNil)

	got, err = repo.GetIndexAttempt(ctx, live.ID)
	c.Assert(err, qt.IsNil)
	c.Check(*got.CheckpointPointer, qt.Equals, "checkpoints/2.json")
}
