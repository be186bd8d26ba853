package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/instill-ai/indexing-backend/config"
	"github.com/instill-ai/indexing-backend/pkg/batchstorage"
	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/connector/static"
	"github.com/instill-ai/indexing-backend/pkg/indexing"
	"github.com/instill-ai/indexing-backend/pkg/lock"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/object"
	"github.com/instill-ai/indexing-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/indexing-backend/pkg/types"
)

const testBucket = "indexing-batches"

type fakeDispatcher struct {
	mu         sync.Mutex
	fetching   []DocFetchingParam
	processing []DocProcessingParam
	err        error
}

func (d *fakeDispatcher) DispatchDocFetching(_ context.Context, param DocFetchingParam) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.fetching = append(d.fetching, param)
	return nil
}

func (d *fakeDispatcher) DispatchDocProcessing(_ context.Context, param DocProcessingParam) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.processing = append(d.processing, param)
	return nil
}

// takeProcessing returns the batches dispatched since the last call.
func (d *fakeDispatcher) takeProcessing() []DocProcessingParam {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.processing
	d.processing = nil
	return out
}

type fakeIndexer struct {
	mu      sync.Mutex
	failIDs []string
	err     error
	indexed []string
}

func (ix *fakeIndexer) IndexBatch(_ context.Context, _ repository.SearchSettingsModel, _ uint, docs []types.Document) (indexing.Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.err != nil {
		return indexing.Result{}, ix.err
	}

	var res indexing.Result
	for _, d := range docs {
		if slices.Contains(ix.failIDs, d.ID) {
			res.Failures = append(res.Failures, types.ConnectorFailure{
				FailedDocument: &types.DocumentFailure{DocumentID: d.ID},
				FailureMessage: fmt.Sprintf("embedding %s failed", d.ID),
			})
			continue
		}
		ix.indexed = append(ix.indexed, d.ID)
		res.TotalDocs++
		res.NewDocs++
		res.TotalChunks++
	}
	return res, nil
}

type testEnv struct {
	w          *Worker
	repo       repository.Repository
	objects    *object.MemoryStorage
	dispatcher *fakeDispatcher
	indexer    *fakeIndexer
	fixture    repositorytest.Fixture
	now        time.Time
}

func testDocs(n int) []types.Document {
	docs := make([]types.Document, 0, n)
	for i := range n {
		docs = append(docs, types.Document{
			ID:                 fmt.Sprintf("doc-%d", i),
			SemanticIdentifier: fmt.Sprintf("Document %d", i),
			Source:             static.Source,
			Sections:           []types.Section{{Text: fmt.Sprintf("text of document %d", i)}},
		})
	}
	return docs
}

func staticConfig(c *qt.C, cfg static.Config) datatypes.JSON {
	b, err := json.Marshal(cfg)
	c.Assert(err, qt.IsNil)
	return datatypes.JSON(b)
}

// newTestEnv returns a worker over an in-memory stack with a static cc-pair
// serving the documents. The batch size is 2.
func newTestEnv(c *qt.C, cc repository.CCPairModel, cfg static.Config) *testEnv {
	c.Helper()

	repo, _ := repositorytest.NewSQLite(c.TB)
	if cc.Status == "" {
		cc.Status = repository.CCPairStatusActive
	}
	cc.ConnectorConfig = staticConfig(c, cfg)

	registry := connector.NewRegistry()
	registry.Register(static.Source, static.New)

	e := &testEnv{
		repo:       repo,
		objects:    object.NewMemoryStorage(testBucket),
		dispatcher: &fakeDispatcher{},
		indexer:    &fakeIndexer{},
		fixture:    repositorytest.NewFixture(c.TB, repo, cc),
		now:        time.Now().UTC(),
	}

	w, err := New(Config{
		Repository:    repo,
		ObjectStorage: e.objects,
		Locker:        lock.NewLocalLocker(),
		Connectors:    registry,
		Indexer:       e.indexer,
		Dispatcher:    e.dispatcher,
		Indexing:      config.IndexingConfig{BatchSize: 2, BatchBucket: testBucket},
	}, zap.NewNop())
	c.Assert(err, qt.IsNil)
	w.now = func() time.Time { return e.now }
	e.w = w
	return e
}

// createAttempt creates and dispatches an attempt for the fixture pair.
func (e *testEnv) createAttempt(c *qt.C, fromBeginning bool) DocFetchingParam {
	c.Helper()
	return e.createAttemptFor(c, e.fixture.SearchSettings.ID, fromBeginning)
}

// createAttemptFor creates and dispatches an attempt of the fixture pair
// for the search settings.
func (e *testEnv) createAttemptFor(c *qt.C, searchSettingsID uint, fromBeginning bool) DocFetchingParam {
	c.Helper()

	ok, err := e.w.tryCreatingDocFetchingTask(context.Background(), e.fixture.CCPair.ID, searchSettingsID, fromBeginning)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)

	e.dispatcher.mu.Lock()
	defer e.dispatcher.mu.Unlock()
	return e.dispatcher.fetching[len(e.dispatcher.fetching)-1]
}

// processAll runs every dispatched batch and returns the results.
func (e *testEnv) processAll(c *qt.C) []StageResult {
	c.Helper()

	var results []StageResult
	for _, p := range e.dispatcher.takeProcessing() {
		results = append(results, e.w.processBatch(context.Background(), p))
	}
	return results
}

func (e *testEnv) attempt(c *qt.C, id uint) *repository.IndexAttemptModel {
	c.Helper()
	a, err := e.repo.GetIndexAttempt(context.Background(), id)
	c.Assert(err, qt.IsNil)
	return a
}

func (e *testEnv) ccPair(c *qt.C) *repository.CCPairModel {
	c.Helper()
	cc, err := e.repo.GetCCPair(context.Background(), e.fixture.CCPair.ID)
	c.Assert(err, qt.IsNil)
	return cc
}

func (e *testEnv) stagedBatches(c *qt.C) []string {
	c.Helper()
	s := batchstorage.New(e.objects, testBucket, e.fixture.CCPair.ID, 0, zap.NewNop())
	paths, err := s.ListCCPairBatches(context.Background(), nil)
	c.Assert(err, qt.IsNil)
	return paths
}
