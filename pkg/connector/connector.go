// Package connector defines how the indexing engine reads external sources.
//
// A connector is built from the settings of a cc-pair by the factory that
// the Registry holds for its source. Connectors that can resume a partial
// run implement CheckpointedConnector; the others implement
// DocumentConnector and are always read from scratch. The Runner turns
// both kinds into the same sequence of batches, failures and checkpoints.
package connector

import (
	"context"
	"encoding/json"

	"github.com/instill-ai/indexing-backend/pkg/types"
)

// Settings are the inputs a factory builds a connector from.
type Settings struct {
	Source     types.DocumentSource
	InputType  types.InputType
	Config     json.RawMessage
	Credential json.RawMessage
}

// Connector is the capability set shared by every connector.
type Connector interface {
	Source() types.DocumentSource
	InputType() types.InputType
	// ValidateSettings checks the configuration and credentials against
	// the source. Invalid settings are reported with an error wrapping
	// errors.ErrConnectorValidation.
	ValidateSettings(ctx context.Context) error
}

// Output is one item read by a checkpointed connector: a document or a
// recoverable failure.
type Output struct {
	Document *types.Document
	Failure  *types.ConnectorFailure
}

// CheckpointedConnector reads its source in resumable steps.
type CheckpointedConnector interface {
	Connector
	// BuildDummyCheckpoint returns the checkpoint of a run that starts
	// from scratch.
	BuildDummyCheckpoint() types.Checkpoint
	// LoadFromCheckpoint reads one step of the source from the checkpoint,
	// passes every item to emit and returns the checkpoint to resume
	// from. An error returned by emit aborts the step and is returned.
	LoadFromCheckpoint(ctx context.Context, window types.TimeWindow, cp types.Checkpoint, emit func(Output) error) (types.Checkpoint, error)
}

// DocumentConnector reads its whole source, or for POLL connectors the
// documents updated inside the window, in a single pass.
type DocumentConnector interface {
	Connector
	// LoadDocuments passes the documents to emit in batches of at most
	// batchSize. An error returned by emit aborts the pass and is
	// returned.
	LoadDocuments(ctx context.Context, window types.TimeWindow, batchSize int, emit func([]types.Document) error) error
}

// IsCheckpointed reports whether the connector can resume a partial run.
func IsCheckpointed(c Connector) bool {
	_, ok := c.(CheckpointedConnector)
	return ok
}
