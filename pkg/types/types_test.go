package types

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestStripNullCharacters(t *testing.T) {
	c := qt.New(t)

	in := []Document{{
		ID:                 "doc\x00-1",
		Title:              "ti\x00tle",
		SemanticIdentifier: "\x00sem",
		Sections: []Section{
			{Text: "hello\x00 world", Link: "https://x\x00.io"},
			{Text: "clean"},
		},
	}}

	out := StripNullCharacters(in)
	c.Assert(out, qt.HasLen, 1)
	c.Check(out[0].ID, qt.Equals, "doc-1")
	c.Check(out[0].Title, qt.Equals, "title")
	c.Check(out[0].SemanticIdentifier, qt.Equals, "sem")
	c.Check(out[0].Sections, qt.DeepEquals, []Section{
		{Text: "hello world", Link: "https://x.io"},
		{Text: "clean"},
	})

	c.Run("input is left untouched", func(c *qt.C) {
		c.Check(in[0].ID, qt.Equals, "doc\x00-1")
		c.Check(in[0].Sections[0].Text, qt.Equals, "hello\x00 world")
	})
}

func TestDocument_TextSize(t *testing.T) {
	c := qt.New(t)

	d := Document{Sections: []Section{{Text: "abc"}, {Text: "de"}}}
	c.Check(d.TextSize(), qt.Equals, 5)
	c.Check(d.Content(), qt.Equals, "abc\nde")
}

func TestConnectorFailure_DocumentID(t *testing.T) {
	c := qt.New(t)

	c.Check(ConnectorFailure{}.DocumentID(), qt.Equals, "")
	f := ConnectorFailure{FailedDocument: &DocumentFailure{DocumentID: "d1"}}
	c.Check(f.DocumentID(), qt.Equals, "d1")
}

func TestCheckpoint_Size(t *testing.T) {
	c := qt.New(t)

	cp := Checkpoint{HasMore: true, State: json.RawMessage(`{"offset":10}`)}
	size, err := cp.Size()
	c.Assert(err, qt.IsNil)
	c.Check(size, qt.Equals, len(`{"has_more":true,"state":{"offset":10}}`))
}
