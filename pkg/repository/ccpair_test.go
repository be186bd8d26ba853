package repository_test

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"gorm.io/datatypes"

	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

func TestRepository_CCPair(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)

	refresh := 3600
	created, err := repo.CreateCCPair(ctx, repository.CCPairModel{
		Name:            "docs bucket",
		Source:          "blob",
		InputType:       types.InputTypePoll,
		ConnectorConfig: datatypes.JSON(`{"bucket":"docs"}`),
		RefreshFreq:     &refresh,
	})
	c.Assert(err, qt.IsNil)
	c.Check(created.Status, qt.Equals, repository.CCPairStatusScheduled)

	_, err = repo.GetCCPair(ctx, created.ID+1)
	c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)

	c.Run("ok - trigger", func(c *qt.C) {
		trigger := repository.IndexingTriggerReindex
		c.Assert(repo.SetCCPairIndexingTrigger(ctx, created.ID, &trigger), qt.IsNil)

		got, err := repo.GetCCPair(ctx, created.ID)
		c.Assert(err, qt.IsNil)
		c.Assert(got.IndexingTrigger, qt.IsNotNil)
		c.Check(*got.IndexingTrigger, qt.Equals, repository.IndexingTriggerReindex)

		c.Assert(repo.SetCCPairIndexingTrigger(ctx, created.ID, nil), qt.IsNil)
		got, err = repo.GetCCPair(ctx, created.ID)
		c.Assert(err, qt.IsNil)
		c.Check(got.IndexingTrigger, qt.IsNil)
	})

	c.Run("ok - success promotes and clears the error state", func(c *qt.C) {
		c.Assert(repo.SetCCPairRepeatedErrorState(ctx, created.ID, true), qt.IsNil)

		at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		c.Assert(repo.MarkCCPairIndexingSucceeded(ctx, created.ID, at), qt.IsNil)

		got, err := repo.GetCCPair(ctx, created.ID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, repository.CCPairStatusActive)
		c.Check(got.InRepeatedErrorState, qt.IsFalse)
		c.Check(got.LastSuccessfulIndexTime.Equal(at), qt.IsTrue)
		c.Check(string(got.ConnectorConfig), qt.Equals, `{"bucket":"docs"}`)
	})

	c.Run("ok - a paused pair stays paused", func(c *qt.C) {
		c.Assert(repo.UpdateCCPairStatus(ctx, created.ID, repository.CCPairStatusPaused), qt.IsNil)
		c.Assert(repo.MarkCCPairIndexingSucceeded(ctx, created.ID, time.Now().UTC()), qt.IsNil)

		got, err := repo.GetCCPair(ctx, created.ID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, repository.CCPairStatusPaused)
		c.Check(got.Status.IsActive(), qt.IsFalse)
	})

	c.Run("nok - unknown pair", func(c *qt.C) {
		err := repo.UpdateCCPairStatus(ctx, created.ID+10, repository.CCPairStatusActive)
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
	})

	pairs, err := repo.ListCCPairs(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(pairs, qt.HasLen, 1)
}

func TestRepository_SearchSettings(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)

	future, err := repo.CreateSearchSettings(ctx, repository.SearchSettingsModel{
		ModelName: "gemini-embedding-001",
		Dimension: 768,
		Status:    repository.SearchSettingsStatusFuture,
	})
	c.Assert(err, qt.IsNil)
	present, err := repo.CreateSearchSettings(ctx, repository.SearchSettingsModel{
		ModelName: "text-embedding-3-small",
		Dimension: 1536,
		Status:    repository.SearchSettingsStatusPresent,
	})
	c.Assert(err, qt.IsNil)

	active, err := repo.ListActiveSearchSettings(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(active, qt.HasLen, 2)
	c.Check(active[0].ID, qt.Equals, present.ID)
	c.Check(active[1].ID, qt.Equals, future.ID)
	c.Check(active[0].CollectionName(), qt.Equals, "search_settings_2")

	err = repo.SwapSearchSettings(ctx, present.ID)
	c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)

	c.Assert(repo.SwapSearchSettings(ctx, future.ID), qt.IsNil)

	active, err = repo.ListActiveSearchSettings(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(active, qt.HasLen, 1)
	c.Check(active[0].ID, qt.Equals, future.ID)
	c.Check(active[0].Status, qt.Equals, repository.SearchSettingsStatusPresent)

	old, err := repo.GetSearchSettings(ctx, present.ID)
	c.Assert(err, qt.IsNil)
	c.Check(old.Status, qt.Equals, repository.SearchSettingsStatusPast)
}

func TestRepository_UpsertDocuments(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{})

	now := time.Now().UTC()
	doc := func(id string, chunks int) repository.DocumentModel {
		return repository.DocumentModel{
			ID:                 id,
			CCPairID:           f.CCPair.ID,
			SemanticIdentifier: "title " + id,
			ChunkCount:         chunks,
			LastIndexed:        now,
		}
	}

	newDocs, err := repo.UpsertDocuments(ctx, []repository.DocumentModel{doc("a", 1), doc("b", 2)})
	c.Assert(err, qt.IsNil)
	c.Check(newDocs, qt.Equals, 2)

	newDocs, err = repo.UpsertDocuments(ctx, []repository.DocumentModel{doc("b", 4), doc("c", 1), doc("c", 3)})
	c.Assert(err, qt.IsNil)
	c.Check(newDocs, qt.Equals, 1)

	newDocs, err = repo.UpsertDocuments(ctx, nil)
	c.Assert(err, qt.IsNil)
	c.Check(newDocs, qt.Equals, 0)

	count, err := repo.CountCCPairDocuments(ctx, f.CCPair.ID)
	c.Assert(err, qt.IsNil)
	c.Check(count, qt.Equals, int64(3))
}
