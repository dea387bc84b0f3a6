// Package ollama is the client for the local inference backend. It speaks the
// generate API (POST /api/generate, GET /api/tags) and normalizes sampling
// parameters before they reach the backend.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/claudiocassimiro/llm-api/internal/domain"
	"github.com/claudiocassimiro/llm-api/internal/httputil"
)

const (
	defaultTemperature = 0.7
	defaultTopP        = 1.0
)

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   *int    `json:"max_tokens,omitempty"`
}

type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate runs a single-shot completion. The backend may answer with one
// JSON object or with newline-delimited partial fragments even in
// non-streaming mode; fragments are parsed line by line, malformed lines are
// logged and skipped, and the parsed texts are concatenated in arrival order.
func (c *Client) Generate(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
	resp, err := c.postGenerate(ctx, model, prompt, params, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var frag generateLine
		if err := json.Unmarshal(line, &frag); err != nil {
			slog.Warn("skipping malformed backend fragment", "error", err)
			continue
		}
		out.WriteString(frag.Response)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	return out.String(), nil
}

// GenerateStream runs a streamed completion. The fragment channel closes when
// the backend signals completion; a transport or scan failure is delivered on
// the error channel before both channels close. The stream must be consumed
// exactly once.
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, params domain.GenerationParams) (<-chan string, <-chan error) {
	fragments := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)

		resp, err := c.postGenerate(ctx, model, prompt, params, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var frag generateLine
			if err := json.Unmarshal(line, &frag); err != nil {
				slog.Warn("skipping malformed backend fragment", "error", err)
				continue
			}

			if frag.Response != "" {
				select {
				case fragments <- frag.Response:
				case <-ctx.Done():
					return
				}
			}

			if frag.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("read stream: %w", err)
		}
	}()

	return fragments, errs
}

// Models lists the backend's tag registry as OpenAI-shaped model records.
func (c *Client) Models(ctx context.Context) ([]domain.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend error: status=%d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]domain.Model, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = domain.Model{ID: m.Name, Object: "model"}
	}

	return models, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}

func (c *Client) postGenerate(ctx context.Context, model, prompt string, params domain.GenerationParams, stream bool) (*http.Response, error) {
	req := generateRequest{
		Model:       model,
		Prompt:      prompt,
		Stream:      stream,
		Temperature: clamp01(valueOr(params.Temperature, defaultTemperature)),
		TopP:        clamp01(valueOr(params.TopP, defaultTopP)),
		MaxTokens:   params.MaxTokens,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("backend error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}

// clamp01 forces a sampling parameter into [0, 1] regardless of caller input.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func valueOr(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}
