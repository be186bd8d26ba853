package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/config"
	"github.com/instill-ai/indexing-backend/pkg/checkpoint"
	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/constant"
	"github.com/instill-ai/indexing-backend/pkg/indexing"
	"github.com/instill-ai/indexing-backend/pkg/lock"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/object"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// TaskQueue is the Temporal task queue name for all workflows and activities.
const TaskQueue = "indexing-backend"

// ActivityTimeoutStandard is the timeout of bookkeeping activities.
// ActivityTimeoutBatch bounds the processing of one batch and
// ActivityTimeoutFetching a whole extraction, which can take hours.
const (
	ActivityTimeoutStandard = 5 * time.Minute
	ActivityTimeoutBatch    = 30 * time.Minute
	ActivityTimeoutFetching = 48 * time.Hour
)

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control the retries of the activities that can be
// run again safely.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 30 * time.Second
	RetryMaximumAttempts    = 3
)

// Indexer writes a batch of documents to the index of some search settings.
type Indexer interface {
	IndexBatch(ctx context.Context, ss repository.SearchSettingsModel, ccPairID uint, docs []types.Document) (indexing.Result, error)
}

// Config defines the configuration for the worker
type Config struct {
	Repository    repository.Repository
	ObjectStorage object.Storage
	Locker        lock.Locker
	Connectors    *connector.Registry
	Indexer       Indexer
	Dispatcher    Dispatcher
	Indexing      config.IndexingConfig

	// TenantID is passed along with every dispatched task.
	TenantID string
	// LeaveConnectorActiveOnInitFailure keeps ACTIVE cc-pairs active when
	// their connector can't be instantiated.
	LeaveConnectorActiveOnInitFailure bool
}

// Worker implements the Temporal worker with all workflows and activities
type Worker struct {
	repository  repository.Repository
	objects     object.Storage
	checkpoints *checkpoint.Store
	locker      lock.Locker
	connectors  *connector.Registry
	indexer     Indexer
	dispatcher  Dispatcher
	cfg         config.IndexingConfig
	tenantID    string

	leaveActiveOnInitFailure bool

	log *zap.Logger
	now func() time.Time
}

// New creates a new worker instance
func New(cfg Config, log *zap.Logger) (*Worker, error) {
	switch {
	case cfg.Repository == nil:
		return nil, fmt.Errorf("missing repository: %w", errorsx.ErrInvalidArgument)
	case cfg.ObjectStorage == nil:
		return nil, fmt.Errorf("missing object storage: %w", errorsx.ErrInvalidArgument)
	case cfg.Locker == nil:
		return nil, fmt.Errorf("missing locker: %w", errorsx.ErrInvalidArgument)
	case cfg.Connectors == nil:
		return nil, fmt.Errorf("missing connector registry: %w", errorsx.ErrInvalidArgument)
	case cfg.Indexer == nil:
		return nil, fmt.Errorf("missing indexer: %w", errorsx.ErrInvalidArgument)
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("missing dispatcher: %w", errorsx.ErrInvalidArgument)
	}

	indexingCfg := cfg.Indexing.Defaults()
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = constant.DefaultTenantID
	}

	return &Worker{
		repository:               cfg.Repository,
		objects:                  cfg.ObjectStorage,
		checkpoints:              checkpoint.NewStore(cfg.Repository, cfg.ObjectStorage, indexingCfg.BatchBucket, indexingCfg.CheckpointSizeLimit, log),
		locker:                   cfg.Locker,
		connectors:               cfg.Connectors,
		indexer:                  cfg.Indexer,
		dispatcher:               cfg.Dispatcher,
		cfg:                      indexingCfg,
		tenantID:                 tenantID,
		leaveActiveOnInitFailure: cfg.LeaveConnectorActiveOnInitFailure,
		log:                      log,
		now:                      time.Now,
	}, nil
}

// truncateMessage bounds the length of the error messages stored on
// attempt rows.
func (w *Worker) truncateMessage(msg string) string {
	limit := w.cfg.MaxErrorMessageLength
	if len(msg) <= limit {
		return msg
	}
	r := []rune(msg)
	if len(r) <= limit {
		return msg
	}
	return string(r[:limit])
}
