package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/batchstorage"
	"github.com/instill-ai/indexing-backend/pkg/connector/static"
	"github.com/instill-ai/indexing-backend/pkg/repository"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// fetched returns an environment whose attempt extracted the documents and
// the batches waiting to be processed.
func fetched(c *qt.C, n int) (*testEnv, DocFetchingParam, []DocProcessingParam) {
	c.Helper()

	e := newTestEnv(c, repository.CCPairModel{}, static.Config{Documents: testDocs(n)})
	param := e.createAttempt(c, false)
	res := e.w.runDocFetching(context.Background(), param)
	c.Assert(res.Failed(), qt.IsFalse, qt.Commentf("%v", res.Err))
	return e, param, e.dispatcher.takeProcessing()
}

func TestProcessBatch(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("batch already consumed", func(c *qt.C) {
		e, _, batches := fetched(c, 2)
		c.Assert(e.w.processBatch(ctx, batches[0]).Failed(), qt.IsFalse)

		res := e.w.processBatch(ctx, batches[0])
		c.Check(res.Kind, qt.Equals, StageRecoverable)
		c.Check(res.Retry, qt.IsFalse)
		c.Check(errors.Is(res.Err, errdomain.ErrBatchNotFound), qt.IsTrue)

		status, err := e.repo.GetCoordinationStatus(ctx, batches[0].AttemptID)
		c.Assert(err, qt.IsNil)
		c.Check(status.CompletedBatches, qt.Equals, 1)
	})

	c.Run("attempt not live", func(c *qt.C) {
		e, param, batches := fetched(c, 2)
		_, err := e.repo.MarkIndexAttemptTerminal(ctx, param.AttemptID, repository.IndexingStatusFailed, "gone", "")
		c.Assert(err, qt.IsNil)

		res := e.w.processBatch(ctx, batches[0])
		c.Check(res.Kind, qt.Equals, StageRecoverable)
		c.Check(res.Retry, qt.IsFalse)
		c.Check(errors.Is(res.Err, errdomain.ErrAttemptNotLive), qt.IsTrue)
		c.Check(e.indexer.indexed, qt.HasLen, 0)
	})

	c.Run("pair paused", func(c *qt.C) {
		e, param, batches := fetched(c, 2)
		c.Assert(e.repo.UpdateCCPairStatus(ctx, e.fixture.CCPair.ID, repository.CCPairStatusPaused), qt.IsNil)

		res := e.w.processBatch(ctx, batches[0])
		c.Check(res.Kind, qt.Equals, StageRecoverable)
		c.Check(res.Retry, qt.IsFalse)
		c.Check(errors.Is(res.Err, errdomain.ErrConnectorStopSignal), qt.IsTrue)

		a := e.attempt(c, param.AttemptID)
		c.Check(a.Status, qt.Equals, repository.IndexingStatusCanceled)
		c.Check(*a.ErrorMsg, qt.Equals, "Connector stop signal detected")
		c.Check(e.stagedBatches(c), qt.HasLen, 1)
		c.Check(e.indexer.indexed, qt.HasLen, 0)
	})

	c.Run("cancellation requested", func(c *qt.C) {
		e, param, batches := fetched(c, 2)
		c.Assert(e.repo.RequestCancellation(ctx, param.AttemptID), qt.IsNil)

		res := e.w.processBatch(ctx, batches[0])
		c.Check(res.Retry, qt.IsFalse)
		c.Check(e.attempt(c, param.AttemptID).Status, qt.Equals, repository.IndexingStatusCanceled)
	})

	c.Run("indexing error is retried", func(c *qt.C) {
		e, param, batches := fetched(c, 2)
		e.indexer.err = fmt.Errorf("vector store unavailable")

		res := e.w.processBatch(ctx, batches[0])
		c.Check(res.Kind, qt.Equals, StageRecoverable)
		c.Check(res.Retry, qt.IsTrue)
		c.Check(e.attempt(c, param.AttemptID).CompletedBatches, qt.Equals, 0)
		c.Check(e.stagedBatches(c), qt.HasLen, 1)

		e.indexer.err = nil
		c.Check(e.w.processBatch(ctx, batches[0]).Failed(), qt.IsFalse)
		c.Check(e.attempt(c, param.AttemptID).CompletedBatches, qt.Equals, 1)
	})

	c.Run("empty batch counts", func(c *qt.C) {
		e, param, _ := fetched(c, 0)
		s := batchstorage.New(e.objects, testBucket, param.CCPairID, param.AttemptID, zap.NewNop())
		c.Assert(s.StoreBatch(ctx, 0, nil), qt.IsNil)

		res := e.w.processBatch(ctx, DocProcessingParam{AttemptID: param.AttemptID, CCPairID: param.CCPairID, BatchNum: 0})
		c.Assert(res.Failed(), qt.IsFalse)
		c.Check(e.attempt(c, param.AttemptID).CompletedBatches, qt.Equals, 1)
		c.Check(e.stagedBatches(c), qt.HasLen, 0)
	})

	c.Run("document failures are recorded", func(c *qt.C) {
		e, param, batches := fetched(c, 10)
		e.indexer.failIDs = []string{"doc-1"}

		for _, b := range batches {
			c.Assert(e.w.processBatch(ctx, b).Failed(), qt.IsFalse)
		}

		a := e.attempt(c, param.AttemptID)
		c.Check(a.TotalFailures, qt.Equals, 1)
		c.Check(a.TotalDocsIndexed, qt.Equals, 9)
		c.Check(a.CompletedBatches, qt.Equals, 5)
	})

	c.Run("failure totals unavailable is retried", func(c *qt.C) {
		e, param, batches := fetched(c, 2)
		e.indexer.failIDs = []string{"doc-1"}
		flaky := &statusErrRepository{Repository: e.repo, err: fmt.Errorf("connection refused")}
		e.w.repository = flaky

		res := e.w.processBatch(ctx, batches[0])
		c.Check(res.Kind, qt.Equals, StageRecoverable)
		c.Check(res.Retry, qt.IsTrue)
		c.Check(errors.Is(res.Err, errdomain.ErrTooManyFailures), qt.IsFalse)

		a := e.attempt(c, param.AttemptID)
		c.Check(a.Status, qt.Equals, repository.IndexingStatusInProgress)
		c.Check(a.CompletedBatches, qt.Equals, 0)
		c.Check(e.stagedBatches(c), qt.HasLen, 1)

		flaky.err = nil
		c.Assert(e.w.processBatch(ctx, batches[0]).Failed(), qt.IsFalse)
		c.Check(e.attempt(c, param.AttemptID).CompletedBatches, qt.Equals, 1)
	})

	c.Run("too many failures fail the attempt", func(c *qt.C) {
		e, param, batches := fetched(c, 10)
		e.indexer.failIDs = []string{"doc-0", "doc-1", "doc-2", "doc-3"}

		c.Assert(e.w.processBatch(ctx, batches[0]).Failed(), qt.IsFalse)
		res := e.w.processBatch(ctx, batches[1])
		c.Check(res.Kind, qt.Equals, StageFatal)
		c.Check(res.Status, qt.Equals, repository.IndexingStatusFailed)
		c.Check(errors.Is(res.Err, errdomain.ErrTooManyFailures), qt.IsTrue)

		a := e.attempt(c, param.AttemptID)
		c.Check(a.Status, qt.Equals, repository.IndexingStatusFailed)
		c.Check(a.TotalFailures, qt.Equals, 4)

		// The following batches of the dead attempt are skipped.
		res = e.w.processBatch(ctx, batches[2])
		c.Check(res.Kind, qt.Equals, StageRecoverable)
		c.Check(res.Retry, qt.IsFalse)
	})
}

// statusErrRepository fails the reads of the coordination status.
type statusErrRepository struct {
	repository.Repository
	err error
}

func (r *statusErrRepository) GetCoordinationStatus(ctx context.Context, attemptID uint) (repository.CoordinationStatus, error) {
	if r.err != nil {
		return repository.CoordinationStatus{}, r.err
	}
	return r.Repository.GetCoordinationStatus(ctx, attemptID)
}

func TestProcessBatch_PauseThenResume(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e, first, batches := fetched(c, 4)
	c.Assert(batches, qt.HasLen, 2)

	c.Assert(e.w.processBatch(ctx, batches[0]).Failed(), qt.IsFalse)

	// The pause lands after extraction ended, only DocProcessing sees it.
	c.Assert(e.repo.UpdateCCPairStatus(ctx, e.fixture.CCPair.ID, repository.CCPairStatusPaused), qt.IsNil)
	res := e.w.processBatch(ctx, batches[1])
	c.Check(res.Retry, qt.IsFalse)
	c.Check(errors.Is(res.Err, errdomain.ErrConnectorStopSignal), qt.IsTrue)

	a := e.attempt(c, first.AttemptID)
	c.Check(a.Status, qt.Equals, repository.IndexingStatusCanceled)
	c.Check(a.CompletedBatches, qt.Equals, 1)

	// The monitor has nothing left to do with it.
	finalized, err := e.w.monitorIndexAttempts(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(finalized, qt.Equals, 0)

	c.Assert(e.repo.UpdateCCPairStatus(ctx, e.fixture.CCPair.ID, repository.CCPairStatusActive), qt.IsNil)
	second := e.createAttempt(c, false)
	c.Assert(e.w.runDocFetching(ctx, second).Failed(), qt.IsFalse)

	reissued := e.dispatcher.takeProcessing()
	c.Assert(reissued, qt.HasLen, 1)
	c.Check(reissued[0].AttemptID, qt.Equals, second.AttemptID)
	c.Check(reissued[0].BatchNum, qt.Equals, 1)
	c.Assert(e.w.processBatch(ctx, reissued[0]).Failed(), qt.IsFalse)

	_, err = e.w.monitorIndexAttempts(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(e.attempt(c, second.AttemptID).Status, qt.Equals, repository.IndexingStatusSucceeded)
	c.Check(e.indexer.indexed, qt.HasLen, 4)
}

func TestDocProcessingActivity_ErrorTypes(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e, _, batches := fetched(c, 2)

	errType := func(err error) string {
		var appErr *temporal.ApplicationError
		c.Assert(errors.As(err, &appErr), qt.IsTrue)
		return appErr.Type()
	}

	e.indexer.err = fmt.Errorf("embedding service down")
	err := e.w.DocProcessingActivity(ctx, batches[0])
	c.Check(errType(err), qt.Equals, docProcessingFailedError)

	e.indexer.err = nil
	c.Check(e.w.DocProcessingActivity(ctx, batches[0]), qt.IsNil)

	err = e.w.DocProcessingActivity(ctx, batches[0])
	c.Check(errType(err), qt.Equals, docProcessingAbortedError)
}
