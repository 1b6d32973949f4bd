package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Config holds the Gemini model selection. The API key is picked up from the
// GOOGLE_API_KEY / GEMINI_API_KEY environment by the genai client itself.
type Config struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

// Gemini implements Classifier and Embedder over the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    Config
	labels []string
	logger *slog.Logger
}

// NewGemini creates a client. labels is the closed set of category names the
// classifier is allowed to answer with.
func NewGemini(ctx context.Context, cfg Config, labels []string, logger *slog.Logger) (*Gemini, error) {
	clientCfg := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	}
	if cfg.APIKey != "" {
		clientCfg.APIKey = cfg.APIKey
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg, labels: labels, logger: logger}, nil
}

// Classify asks the model for exactly one label out of the allowed set.
func (g *Gemini) Classify(ctx context.Context, description string, kind string) (string, error) {
	prompt := fmt.Sprintf(
		"Categorize this %s transaction into exactly one of the following categories:\n%s\n\n"+
			"Transaction description: %q\n\n"+
			"Respond with ONLY the category name, nothing else.",
		kind, strings.Join(g.labels, ", "), description)

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}

// Embed returns the embedding vector for a single text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one call, preserving order.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: t}},
		})
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.cfg.EmbeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
