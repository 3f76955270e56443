package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"jobmatch/src/core/embedding"
)

const (
	DefaultURL = "http://localhost:11434"
)

// Provider embeds text through a local Ollama server
type Provider struct {
	client *api.Client
	model  string
}

var _ embedding.Provider = (*Provider)(nil)

// NewProvider creates a provider for model served at baseURL
func NewProvider(baseURL, model string, timeout time.Duration) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embedding model is required")
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama url: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Provider{
		client: api.NewClient(u, &http.Client{Timeout: timeout}),
		model:  model,
	}, nil
}

func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Check verifies the server is reachable
func (p *Provider) Check(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama is not reachable: %w", err)
	}
	return nil
}
