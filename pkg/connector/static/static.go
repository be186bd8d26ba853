// Package static implements a connector over a fixed list of documents held
// in the cc-pair configuration. It pages through the list with a
// checkpoint, which makes it handy to seed an index and to exercise
// resumption.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// Source is the source tag of the connector.
const Source types.DocumentSource = "static"

const defaultPageSize = 100

// Config is the cc-pair configuration of the connector.
type Config struct {
	Documents []types.Document `json:"documents"`
	// PageSize is the number of documents read per checkpoint step.
	PageSize int `json:"page_size"`
	// FailDocumentIDs are reported as failed instead of being read.
	FailDocumentIDs []string `json:"fail_document_ids"`
}

type state struct {
	Offset int `json:"offset"`
}

// Connector reads the configured documents.
type Connector struct {
	inputType types.InputType
	config    Config
}

// New builds the connector from cc-pair settings.
func New(_ context.Context, s connector.Settings) (connector.Connector, error) {
	var cfg Config
	if len(s.Config) > 0 {
		if err := json.Unmarshal(s.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decoding static connector config: %w", err)
		}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	inputType := s.InputType
	if inputType == "" {
		inputType = types.InputTypeLoadState
	}
	return &Connector{inputType: inputType, config: cfg}, nil
}

// Source implements connector.Connector.
func (c *Connector) Source() types.DocumentSource { return Source }

// InputType implements connector.Connector.
func (c *Connector) InputType() types.InputType { return c.inputType }

// ValidateSettings rejects documents without ID and duplicated IDs.
func (c *Connector) ValidateSettings(context.Context) error {
	seen := make(map[string]bool, len(c.config.Documents))
	for i, d := range c.config.Documents {
		if d.ID == "" {
			return fmt.Errorf("document %d has no ID: %w", i, errdomain.ErrConnectorValidation)
		}
		if seen[d.ID] {
			return fmt.Errorf("document %s is duplicated: %w", d.ID, errdomain.ErrConnectorValidation)
		}
		seen[d.ID] = true
	}
	return nil
}

// BuildDummyCheckpoint implements connector.CheckpointedConnector.
func (c *Connector) BuildDummyCheckpoint() types.Checkpoint {
	return types.Checkpoint{HasMore: true}
}

// LoadFromCheckpoint reads the next page of documents. POLL connectors skip
// the documents updated outside the window; documents without update time
// are always read.
func (c *Connector) LoadFromCheckpoint(ctx context.Context, window types.TimeWindow, cp types.Checkpoint, emit func(connector.Output) error) (types.Checkpoint, error) {
	var st state
	if len(cp.State) > 0 {
		if err := json.Unmarshal(cp.State, &st); err != nil {
			return types.Checkpoint{}, fmt.Errorf("decoding static checkpoint: %w", err)
		}
	}

	docs := c.config.Documents
	end := min(st.Offset+c.config.PageSize, len(docs))
	for i := st.Offset; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return types.Checkpoint{}, err
		}

		d := docs[i]
		if !c.inWindow(d, window) {
			continue
		}

		out := connector.Output{Document: &d}
		if slices.Contains(c.config.FailDocumentIDs, d.ID) {
			out = connector.Output{Failure: &types.ConnectorFailure{
				FailedDocument: &types.DocumentFailure{DocumentID: d.ID},
				FailureMessage: fmt.Sprintf("document %s couldn't be read", d.ID),
			}}
		}
		if err := emit(out); err != nil {
			return types.Checkpoint{}, err
		}
	}

	next, err := json.Marshal(state{Offset: end})
	if err != nil {
		return types.Checkpoint{}, err
	}
	return types.Checkpoint{HasMore: end < len(docs), State: next}, nil
}

func (c *Connector) inWindow(d types.Document, window types.TimeWindow) bool {
	if c.inputType != types.InputTypePoll || d.DocUpdatedAt == nil {
		return true
	}
	return !d.DocUpdatedAt.Before(window.Start) && d.DocUpdatedAt.Before(window.End)
}
