// Package completion is the request pipeline core: it validates request
// shape, resolves the prompt, calls the inference backend, counts tokens, and
// commits the usage delta to the ledger exactly once per request lifecycle.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/claudiocassimiro/llm-api/internal/domain"
	"github.com/claudiocassimiro/llm-api/internal/telemetry"
)

// Backend is the inference service the orchestrator forwards to.
type Backend interface {
	Generate(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error)
	GenerateStream(ctx context.Context, model, prompt string, params domain.GenerationParams) (<-chan string, <-chan error)
	Models(ctx context.Context) ([]domain.Model, error)
}

// Counter counts tokens for a model. Counting never fails; unknown models
// fall back inside the resolver.
type Counter interface {
	Count(text, model string) int
}

// Ledger applies an additive usage delta to a user's persisted counter and
// returns the new total. The increment must be durable before it returns.
type Ledger interface {
	AddTokens(ctx context.Context, username string, delta int64) (int64, error)
}

// completionMaxTokens is the backend default for the plain completion
// endpoint; chat leaves max_tokens unset.
const completionMaxTokens = 16

type Service struct {
	backend Backend
	counter Counter
	ledger  Ledger
	now     func() time.Time
}

func NewService(backend Backend, counter Counter, ledger Ledger) *Service {
	return &Service{
		backend: backend,
		counter: counter,
		ledger:  ledger,
		now:     time.Now,
	}
}

// ListModels returns the backend's model registry.
func (s *Service) ListModels(ctx context.Context) (*domain.ModelsResponse, error) {
	models, err := s.backend.Models(ctx)
	if err != nil {
		return nil, domain.NewListingError(fmt.Sprintf("Error fetching models: %v", err), err)
	}
	return &domain.ModelsResponse{Object: "list", Data: models}, nil
}

// ChatCompletion runs the non-streaming chat flow and commits
// prompt+completion tokens for user before returning the envelope.
func (s *Service) ChatCompletion(ctx context.Context, user *domain.User, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "completion.chat")
	defer span.End()

	if err := validateChat(req); err != nil {
		return nil, err
	}

	prompt := flattenMessages(req.Messages)
	promptTokens := s.counter.Count(prompt, req.Model)

	text, err := s.backend.Generate(ctx, req.Model, prompt, chatParams(req))
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, domain.NewBackendError(fmt.Sprintf("Error generating chat completion: %v", err), err)
	}

	completionTokens := s.counter.Count(text, req.Model)
	totalTokens := promptTokens + completionTokens
	telemetry.AddTokenAttributes(span, promptTokens, completionTokens)

	if _, err := s.ledger.AddTokens(ctx, user.Username, int64(totalTokens)); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}

	now := s.now().Unix()
	return &domain.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", now),
		Object:  "chat.completion",
		Created: now,
		Model:   req.Model,
		Choices: []domain.ChatChoice{
			{
				Index:        0,
				Message:      domain.Message{Role: "assistant", Content: text},
				FinishReason: "stop",
			},
		},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
	}, nil
}

// ChatCompletionStream runs the streaming chat flow. Each backend fragment is
// wrapped in a chunk envelope and handed to emit in order. After the backend
// signals completion the running total (prompt counted once up front, plus
// every fragment) is committed and the reported usage returned. On a
// mid-stream backend failure the tokens already generated are still
// committed — partial work was done and is billed — and the error is
// returned for in-band delivery.
func (s *Service) ChatCompletionStream(ctx context.Context, user *domain.User, req domain.ChatRequest, emit func(domain.StreamChunk) error) (domain.Usage, error) {
	ctx, span := telemetry.StartSpan(ctx, "completion.chat_stream")
	defer span.End()

	if err := validateChat(req); err != nil {
		return domain.Usage{}, err
	}

	prompt := flattenMessages(req.Messages)
	promptTokens := s.counter.Count(prompt, req.Model)
	completionTokens := 0

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments, errs := s.backend.GenerateStream(streamCtx, req.Model, prompt, chatParams(req))

	id := fmt.Sprintf("chatcmpl-%d", s.now().Unix())
	for fragment := range fragments {
		completionTokens += s.counter.Count(fragment, req.Model)

		chunk := domain.StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: s.now().Unix(),
			Model:   req.Model,
			Choices: []domain.StreamChoice{
				{Index: 0, Delta: domain.Delta{Content: fragment}, FinishReason: nil},
			},
		}

		if err := emit(chunk); err != nil {
			// Caller went away. Stop the backend stream and bill what was
			// consumed.
			cancel()
			s.commitStreamUsage(ctx, user, promptTokens, completionTokens)
			return domain.Usage{}, fmt.Errorf("emit chunk: %w", err)
		}
	}

	usage := domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	telemetry.AddTokenAttributes(span, promptTokens, completionTokens)

	if err := <-errs; err != nil {
		telemetry.AddErrorAttribute(span, err)
		s.commitStreamUsage(ctx, user, promptTokens, completionTokens)
		return domain.Usage{}, domain.NewBackendError(fmt.Sprintf("Error generating chat completion: %v", err), err)
	}

	if _, err := s.ledger.AddTokens(ctx, user.Username, int64(usage.TotalTokens)); err != nil {
		return domain.Usage{}, fmt.Errorf("commit usage: %w", err)
	}

	return usage, nil
}

// Completion runs the plain text-completion flow. max_tokens defaults to 16
// on this endpoint when the caller leaves it unset.
func (s *Service) Completion(ctx context.Context, user *domain.User, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "completion.text")
	defer span.End()

	if req.Model == "" {
		return nil, domain.NewClientError("missing required field: model")
	}
	if req.Prompt == "" {
		return nil, domain.NewClientError("missing required field: prompt")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return nil, domain.NewClientError("max_tokens must be non-negative")
	}

	params := domain.GenerationParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if params.MaxTokens == nil {
		defaultMax := completionMaxTokens
		params.MaxTokens = &defaultMax
	}

	text, err := s.backend.Generate(ctx, req.Model, req.Prompt, params)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, domain.NewBackendError(fmt.Sprintf("Error generating completion: %v", err), err)
	}

	promptTokens := s.counter.Count(req.Prompt, req.Model)
	completionTokens := s.counter.Count(text, req.Model)
	totalTokens := promptTokens + completionTokens
	telemetry.AddTokenAttributes(span, promptTokens, completionTokens)

	if _, err := s.ledger.AddTokens(ctx, user.Username, int64(totalTokens)); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}

	now := s.now().Unix()
	return &domain.CompletionResponse{
		ID:      fmt.Sprintf("cmpl-%d", now),
		Object:  "text_completion",
		Created: now,
		Model:   req.Model,
		Choices: []domain.CompletionChoice{
			{Text: text, Index: 0, Logprobs: nil, FinishReason: "length"},
		},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
	}, nil
}

// commitStreamUsage bills a stream that ended abnormally. The request context
// may already be cancelled, so the commit runs detached from it.
func (s *Service) commitStreamUsage(ctx context.Context, user *domain.User, promptTokens, completionTokens int) {
	total := int64(promptTokens + completionTokens)
	if total == 0 {
		return
	}
	if _, err := s.ledger.AddTokens(context.WithoutCancel(ctx), user.Username, total); err != nil {
		slog.Error("failed to commit partial stream usage",
			"username", user.Username,
			"tokens", total,
			"error", err,
		)
	}
}

func validateChat(req domain.ChatRequest) error {
	if req.Model == "" {
		return domain.NewClientError("missing required field: model")
	}
	if len(req.Messages) == 0 {
		return domain.NewClientError("missing required field: messages")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return domain.NewClientError("max_tokens must be non-negative")
	}
	return nil
}

// flattenMessages joins each message as "{role}: {content}" lines in original
// order; this flattened prompt is what the backend and the prompt-token count
// see.
func flattenMessages(messages []domain.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}

func chatParams(req domain.ChatRequest) domain.GenerationParams {
	return domain.GenerationParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
}
