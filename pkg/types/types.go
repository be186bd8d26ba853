package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DocumentSource identifies the kind of external system a connector reads
// from (e.g. "blob", "static").
type DocumentSource string

// Sources that are never scheduled by the indexing loop.
const (
	SourceNotApplicable DocumentSource = "not_applicable"
	SourceIngestionAPI  DocumentSource = "ingestion_api"
)

// InputType is how a connector reads its source.
type InputType string

const (
	// InputTypeLoadState reads the whole source on every run.
	InputTypeLoadState InputType = "LOAD_STATE"
	// InputTypePoll reads the documents updated inside a time window.
	InputTypePoll InputType = "POLL"
	// InputTypeEvent receives documents pushed by the source. These
	// connectors are never scheduled.
	InputTypeEvent InputType = "EVENT"
)

// Section is a contiguous piece of text in a document, optionally pointing
// to a location in the source.
type Section struct {
	Text string `json:"text"`
	Link string `json:"link,omitempty"`
}

// Document is a unit extracted by a connector and staged in a batch.
type Document struct {
	ID                 string            `json:"id"`
	SemanticIdentifier string            `json:"semantic_identifier"`
	Title              string            `json:"title,omitempty"`
	Source             DocumentSource    `json:"source"`
	Sections           []Section         `json:"sections"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DocUpdatedAt       *time.Time        `json:"doc_updated_at,omitempty"`
}

// TextSize is the total length of the text sections of the document.
func (d Document) TextSize() int {
	size := 0
	for _, s := range d.Sections {
		size += len(s.Text)
	}
	return size
}

// ShortDescriptor identifies the document in logs.
func (d Document) ShortDescriptor() string {
	if d.SemanticIdentifier == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.SemanticIdentifier, d.ID)
}

// Content concatenates the section texts.
func (d Document) Content() string {
	texts := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		texts = append(texts, s.Text)
	}
	return strings.Join(texts, "\n")
}

// StripNullCharacters returns a copy of the documents where NUL bytes have
// been removed from every identifier and text field. Postgres text columns
// can't hold them.
func StripNullCharacters(docs []Document) []Document {
	cleaned := make([]Document, 0, len(docs))
	for _, doc := range docs {
		c := doc
		c.ID = stripNull(doc.ID)
		c.Title = stripNull(doc.Title)
		c.SemanticIdentifier = stripNull(doc.SemanticIdentifier)
		c.Sections = make([]Section, len(doc.Sections))
		for i, s := range doc.Sections {
			c.Sections[i] = Section{
				Text: stripNull(s.Text),
				Link: stripNull(s.Link),
			}
		}
		cleaned = append(cleaned, c)
	}
	return cleaned
}

func stripNull(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// DocumentFailure identifies the document a failure refers to.
type DocumentFailure struct {
	DocumentID   string `json:"document_id"`
	DocumentLink string `json:"document_link,omitempty"`
}

// EntityFailure identifies a non-document entity (e.g. a folder or a page of
// results) that couldn't be read, optionally with the time range it covers.
type EntityFailure struct {
	EntityID         string     `json:"entity_id"`
	MissedRangeStart *time.Time `json:"missed_range_start,omitempty"`
	MissedRangeEnd   *time.Time `json:"missed_range_end,omitempty"`
}

// ConnectorFailure is a recoverable failure reported by a connector or by
// the indexing pipeline. Exactly one of FailedDocument and FailedEntity is
// set.
type ConnectorFailure struct {
	FailedDocument *DocumentFailure `json:"failed_document,omitempty"`
	FailedEntity   *EntityFailure   `json:"failed_entity,omitempty"`
	FailureMessage string           `json:"failure_message"`

	// Exception is the underlying error, when there is one. It doesn't
	// survive serialization.
	Exception error `json:"-"`
}

// DocumentID returns the failed document ID, if any.
func (f ConnectorFailure) DocumentID() string {
	if f.FailedDocument == nil {
		return ""
	}
	return f.FailedDocument.DocumentID
}

// Checkpoint is the connector-defined resumable cursor. State is opaque to
// everything but the connector that produced it.
type Checkpoint struct {
	HasMore bool            `json:"has_more"`
	State   json.RawMessage `json:"state,omitempty"`
}

// Size returns the serialized size of the checkpoint in bytes.
func (c Checkpoint) Size() (int, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// TimeWindow is the half-open polling range [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}
