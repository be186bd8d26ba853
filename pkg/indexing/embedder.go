package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	errorsx "github.com/instill-ai/x/errors"
)

// Embedder turns texts into vectors.
type Embedder interface {
	// EmbedTexts returns one vector per text, in order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// embeddingBackoff is the delay before the first retry. It doubles on every
// retry.
var embeddingBackoff = time.Second

const (
	maxEmbeddingRetries = 3
	// taskTypeRetrievalDocument optimizes Gemini embeddings for the chunks
	// stored in the index.
	taskTypeRetrievalDocument = "RETRIEVAL_DOCUMENT"

	openAIEmbeddingModelDefault = "text-embedding-3-small"
	geminiEmbeddingModelDefault = "gemini-embedding-001"
)

// embedEach embeds the texts one by one with at most parallelism calls in
// flight. Each call is retried with exponential backoff.
func embedEach(ctx context.Context, texts []string, parallelism int, family string, embed func(ctx context.Context, text string) ([]float32, error)) ([][]float32, error) {
	for i, text := range texts {
		if text == "" {
			return nil, errorsx.AddMessage(
				fmt.Errorf("text at index %d is empty", i),
				"Cannot generate embeddings for empty text",
			)
		}
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallelism, 1))

	for i, text := range texts {
		g.Go(func() error {
			var err error
			for attempt := range maxEmbeddingRetries {
				var v []float32
				v, err = embed(gctx, text)
				if err == nil && len(v) > 0 {
					vectors[i] = v
					return nil
				}
				if err == nil {
					err = fmt.Errorf("empty embedding vector for text %d", i)
				}
				if attempt < maxEmbeddingRetries-1 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(embeddingBackoff << attempt):
					}
				}
			}
			return errorsx.AddMessage(
				fmt.Errorf("%s embedding failed for text %d after %d attempts: %w", family, i, maxEmbeddingRetries, err),
				"Unable to generate embeddings. Please try again.",
			)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// OpenAIEmbedder embeds texts with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client      *openai.Client
	model       string
	dimension   int
	parallelism int
}

// NewOpenAIEmbedder returns an OpenAI embedder.
func NewOpenAIEmbedder(apiKey, model string, dimension, parallelism int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errorsx.AddMessage(errorsx.ErrInvalidArgument, "Embedding client configuration is missing. Please contact your administrator.")
	}
	if model == "" {
		model = openAIEmbeddingModelDefault
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIEmbedder{client: &client, model: model, dimension: dimension, parallelism: parallelism}, nil
}

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// EmbedTexts implements Embedder.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.parallelism, "openai", func(ctx context.Context, text string) ([]float32, error) {
		params := openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: []string{text},
			},
			Model: e.model,
		}
		if e.dimension > 0 {
			params.Dimensions = openai.Int(int64(e.dimension))
		}

		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai API call failed: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, nil
		}

		v := make([]float32, len(resp.Data[0].Embedding))
		for j, val := range resp.Data[0].Embedding {
			v[j] = float32(val)
		}
		return v, nil
	})
}

// GeminiEmbedder embeds texts with the Gemini API.
type GeminiEmbedder struct {
	client      *genai.Client
	model       string
	dimension   int
	parallelism int
}

// NewGeminiEmbedder returns a Gemini embedder. Gemini vectors can be 768,
// 1536 or 3072 wide.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimension, parallelism int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, errorsx.AddMessage(errorsx.ErrInvalidArgument, "Embedding client configuration is missing. Please contact your administrator.")
	}
	switch dimension {
	case 768, 1536, 3072:
	default:
		return nil, errorsx.AddMessage(
			fmt.Errorf("gemini embeddings only support 768, 1536, or 3072 dimensions, got %d: %w", dimension, errorsx.ErrInvalidArgument),
			"Gemini embeddings only support 768, 1536, or 3072 dimensions.",
		)
	}
	if model == "" {
		model = geminiEmbeddingModelDefault
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create Gemini client: %w", err),
			"Unable to connect to AI service. Please try again later.",
		)
	}
	return &GeminiEmbedder{client: client, model: model, dimension: dimension, parallelism: parallelism}, nil
}

// Model implements Embedder.
func (e *GeminiEmbedder) Model() string { return e.model }

// Dimension implements Embedder.
func (e *GeminiEmbedder) Dimension() int { return e.dimension }

// EmbedTexts implements Embedder. The Gemini API has no batch endpoint, so
// every text is a call.
func (e *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.parallelism, "gemini", func(ctx context.Context, text string) ([]float32, error) {
		result, err := e.client.Models.EmbedContent(ctx, e.model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{
				TaskType:             taskTypeRetrievalDocument,
				OutputDimensionality: genai.Ptr(int32(e.dimension)),
			})
		if err != nil {
			return nil, fmt.Errorf("gemini API call failed: %w", err)
		}
		if len(result.Embeddings) == 0 {
			return nil, nil
		}
		return result.Embeddings[0].Values, nil
	})
}
