package indexing

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/instill-ai/indexing-backend/pkg/types"
)

func TestNewTokenChunker(t *testing.T) {
	c := qt.New(t)

	for _, tc := range []struct{ size, overlap int }{{0, 0}, {10, -1}, {10, 10}, {10, 20}} {
		_, err := NewTokenChunker(tc.size, tc.overlap)
		c.Check(err, qt.IsNotNil, qt.Commentf("size %d overlap %d", tc.size, tc.overlap))
	}

	_, err := NewTokenChunker(10, 2)
	c.Check(err, qt.IsNil)
}

func TestTokenChunker_Chunk(t *testing.T) {
	c := qt.New(t)

	tc, err := NewTokenChunker(8, 2)
	c.Assert(err, qt.IsNil)

	words := make([]string, 50)
	for i := range words {
		words[i] = "word"
	}
	doc := types.Document{
		ID:    "doc-1",
		Title: "Title",
		Sections: []types.Section{
			{Text: strings.Join(words, " "), Link: "https://a"},
			{Text: "   "},
			{Text: "short tail", Link: "https://b"},
		},
	}

	chunks := tc.Chunk(doc)
	c.Assert(len(chunks) > 2, qt.IsTrue)

	for i, ch := range chunks {
		c.Check(ch.ID, qt.Equals, ChunkID("doc-1", i))
		c.Check(ch.Index, qt.Equals, i)
		c.Check(ch.DocumentID, qt.Equals, "doc-1")
		c.Check(ch.Title, qt.Equals, "Title")
		c.Check(ch.Tokens > 0 && ch.Tokens <= 8, qt.IsTrue, qt.Commentf("chunk %d has %d tokens", i, ch.Tokens))
		c.Check(strings.TrimSpace(ch.Text), qt.Not(qt.Equals), "")
	}

	last := chunks[len(chunks)-1]
	c.Check(last.Link, qt.Equals, "https://b")
	c.Check(strings.Contains(last.Text, "tail"), qt.IsTrue)
	c.Check(chunks[0].Link, qt.Equals, "https://a")

	c.Run("document without text", func(c *qt.C) {
		c.Check(tc.Chunk(types.Document{ID: "empty"}), qt.HasLen, 0)
	})
}

func TestSlide(t *testing.T) {
	c := qt.New(t)

	text := func(from, to int) string { return strings.Repeat("x", to-from) }

	got := slide(10, 4, 1, text)
	c.Check(got, qt.CmpEquals(cmp.AllowUnexported(window{})), []window{
		{text: "xxxx", tokens: 4},
		{text: "xxxx", tokens: 4},
		{text: "xxxx", tokens: 4},
	})

	c.Check(slide(3, 4, 1, text), qt.CmpEquals(cmp.AllowUnexported(window{})), []window{{text: "xxx", tokens: 3}})
	c.Check(slide(0, 4, 1, text), qt.HasLen, 0)
}
