package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/indexing-backend/pkg/types"
)

func TestIndexAttemptErrors(t *testing.T) {
	ctx := context.Background()
	repo, _ := repositorytest.NewSQLite(t)
	f := repositorytest.NewFixture(t, repo, repository.CCPairModel{Status: repository.CCPairStatusActive})

	attempt, err := repo.CreateIndexAttempt(ctx, repository.CreateIndexAttemptParams{
		CCPairID:         f.CCPair.ID,
		SearchSettingsID: f.SearchSettings.ID,
		TaskID:           "docfetching-task",
	})
	require.NoError(t, err)

	failures := []types.ConnectorFailure{
		{
			FailedDocument: &types.DocumentFailure{DocumentID: "doc-1", DocumentLink: "https://example.com/doc-1"},
			FailureMessage: "couldn't read doc-1",
		},
		{
			FailedDocument: &types.DocumentFailure{DocumentID: "doc-2"},
			FailureMessage: "couldn't read doc-2",
		},
		{
			FailedEntity:   &types.EntityFailure{EntityID: "folder-a"},
			FailureMessage: "couldn't list folder-a",
		},
	}
	require.NoError(t, repo.CreateIndexAttemptErrors(ctx, attempt.ID, f.CCPair.ID, failures))
	require.NoError(t, repo.CreateIndexAttemptErrors(ctx, attempt.ID, f.CCPair.ID, nil))

	rows, err := repo.ListIndexAttemptErrors(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "doc-1", *rows[0].DocumentID)
	require.Equal(t, "https://example.com/doc-1", *rows[0].DocumentLink)
	require.Nil(t, rows[1].DocumentLink)
	require.Nil(t, rows[2].DocumentID)
	require.Equal(t, "folder-a", *rows[2].EntityID)

	status, err := repo.GetCoordinationStatus(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, 3, status.TotalFailures)

	t.Run("resolve documents", func(t *testing.T) {
		n, err := repo.ResolveIndexAttemptErrorsForDocuments(ctx, f.CCPair.ID, []string{"doc-2", "doc-9"})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		n, err = repo.ResolveIndexAttemptErrorsForDocuments(ctx, f.CCPair.ID, []string{"doc-2"})
		require.NoError(t, err)
		require.EqualValues(t, 0, n)

		n, err = repo.ResolveIndexAttemptErrorsForDocuments(ctx, f.CCPair.ID, nil)
		require.NoError(t, err)
		require.EqualValues(t, 0, n)
	})

	t.Run("resolve entities", func(t *testing.T) {
		n, err := repo.ResolveEntityIndexAttemptErrors(ctx, f.CCPair.ID)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		rows, err := repo.ListIndexAttemptErrors(ctx, attempt.ID)
		require.NoError(t, err)
		require.False(t, rows[0].IsResolved)
		require.True(t, rows[1].IsResolved)
		require.True(t, rows[2].IsResolved)
	})
}
