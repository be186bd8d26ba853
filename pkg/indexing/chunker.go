package indexing

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/instill-ai/indexing-backend/pkg/types"
)

// Chunk is a piece of a document that is embedded and indexed on its own.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Title      string
	Link       string
	Text       string
	Tokens     int
}

// ChunkID returns the ID of the n-th chunk of a document.
func ChunkID(documentID string, n int) string {
	return fmt.Sprintf("%s__%d", documentID, n)
}

// TokenChunker splits documents into windows of a fixed number of tokens
// that overlap by a fixed number of tokens.
type TokenChunker struct {
	size    int
	overlap int
	// encoding is nil when the tokenizer couldn't be loaded. Words are
	// used as tokens then.
	encoding *tiktoken.Tiktoken
}

// NewTokenChunker returns a chunker with the GPT-4 tokenizer, the one the
// embedding models are priced with.
func NewTokenChunker(size, overlap int) (*TokenChunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("invalid chunk size %d with overlap %d", size, overlap)
	}

	// Without the tokenizer files, words are used as tokens.
	tkm, _ := tiktoken.EncodingForModel("gpt-4")
	return &TokenChunker{size: size, overlap: overlap, encoding: tkm}, nil
}

// Chunk splits the text sections of the document. A document without text
// has no chunk.
func (tc *TokenChunker) Chunk(doc types.Document) []Chunk {
	var chunks []Chunk
	for _, section := range doc.Sections {
		for _, w := range tc.split(section.Text) {
			chunks = append(chunks, Chunk{
				ID:         ChunkID(doc.ID, len(chunks)),
				DocumentID: doc.ID,
				Index:      len(chunks),
				Title:      doc.Title,
				Link:       section.Link,
				Text:       w.text,
				Tokens:     w.tokens,
			})
		}
	}
	return chunks
}

type window struct {
	text   string
	tokens int
}

func (tc *TokenChunker) split(text string) []window {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if tc.encoding == nil {
		words := strings.Fields(text)
		return slide(len(words), tc.size, tc.overlap, func(from, to int) string {
			return strings.Join(words[from:to], " ")
		})
	}

	tokens := tc.encoding.Encode(text, nil, nil)
	return slide(len(tokens), tc.size, tc.overlap, func(from, to int) string {
		return tc.encoding.Decode(tokens[from:to])
	})
}

func slide(n, size, overlap int, text func(from, to int) string) []window {
	var windows []window
	for from := 0; from < n; from += size - overlap {
		to := min(from+size, n)
		windows = append(windows, window{text: text(from, to), tokens: to - from})
		if to == n {
			break
		}
	}
	return windows
}
