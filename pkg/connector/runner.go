package connector

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/instill-ai/indexing-backend/pkg/types"
)

// Tick is one step of a connector run. Any of its fields may be empty. The
// last tick of a run carries the checkpoint to resume from.
type Tick struct {
	Documents  []types.Document
	Failure    *types.ConnectorFailure
	Checkpoint *types.Checkpoint
}

// Runner drives a connector over a time window and groups the documents it
// reads into batches.
type Runner struct {
	conn      Connector
	window    types.TimeWindow
	batchSize int
}

// NewRunner returns a runner for the connector.
func NewRunner(conn Connector, window types.TimeWindow, batchSize int) (*Runner, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	switch conn.(type) {
	case CheckpointedConnector, DocumentConnector:
	default:
		return nil, fmt.Errorf("%s connector can't load documents", conn.Source())
	}
	return &Runner{conn: conn, window: window, batchSize: batchSize}, nil
}

// Connector returns the connector driven by the runner.
func (r *Runner) Connector() Connector {
	return r.conn
}

// DummyCheckpoint returns the checkpoint of a run that starts from scratch.
func (r *Runner) DummyCheckpoint() types.Checkpoint {
	if c, ok := r.conn.(CheckpointedConnector); ok {
		return c.BuildDummyCheckpoint()
	}
	return types.Checkpoint{HasMore: true}
}

var errStop = errors.New("iteration stopped")

// Run reads the source once from the checkpoint. Connectors without
// checkpoints read the whole window and end with a checkpoint that has
// nothing more to read. An error ends the sequence.
func (r *Runner) Run(ctx context.Context, cp types.Checkpoint) iter.Seq2[Tick, error] {
	return func(yield func(Tick, error) bool) {
		var err error
		switch c := r.conn.(type) {
		case CheckpointedConnector:
			err = r.runCheckpointed(ctx, c, cp, yield)
		case DocumentConnector:
			err = r.runDocuments(ctx, c, yield)
		}
		if err != nil && !errors.Is(err, errStop) {
			yield(Tick{}, err)
		}
	}
}

func (r *Runner) runCheckpointed(ctx context.Context, c CheckpointedConnector, cp types.Checkpoint, yield func(Tick, error) bool) error {
	batch := make([]types.Document, 0, r.batchSize)
	next, err := c.LoadFromCheckpoint(ctx, r.window, cp, func(o Output) error {
		if o.Document != nil {
			batch = append(batch, *o.Document)
		}
		if o.Failure != nil {
			if !yield(Tick{Failure: o.Failure}, nil) {
				return errStop
			}
		}
		if len(batch) >= r.batchSize {
			docs := batch
			batch = make([]types.Document, 0, r.batchSize)
			if !yield(Tick{Documents: docs}, nil) {
				return errStop
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	last := Tick{Checkpoint: &next}
	if len(batch) > 0 {
		last.Documents = batch
	}
	yield(last, nil)
	return nil
}

func (r *Runner) runDocuments(ctx context.Context, c DocumentConnector, yield func(Tick, error) bool) error {
	err := c.LoadDocuments(ctx, r.window, r.batchSize, func(docs []types.Document) error {
		if len(docs) == 0 {
			return nil
		}
		if !yield(Tick{Documents: docs}, nil) {
			return errStop
		}
		return nil
	})
	if err != nil {
		return err
	}

	yield(Tick{Checkpoint: &types.Checkpoint{HasMore: false}}, nil)
	return nil
}
