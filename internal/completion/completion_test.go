package completion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/claudiocassimiro/llm-api/internal/domain"
)

// MockBackend implements Backend for testing.
type MockBackend struct {
	GenerateFunc       func(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error)
	GenerateStreamFunc func(ctx context.Context, model, prompt string, params domain.GenerationParams) (<-chan string, <-chan error)
	ModelsFunc         func(ctx context.Context) ([]domain.Model, error)
	generateCalls      int
}

func (m *MockBackend) Generate(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
	m.generateCalls++
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, model, prompt, params)
	}
	return "", errors.New("not implemented")
}

func (m *MockBackend) GenerateStream(ctx context.Context, model, prompt string, params domain.GenerationParams) (<-chan string, <-chan error) {
	if m.GenerateStreamFunc != nil {
		return m.GenerateStreamFunc(ctx, model, prompt, params)
	}
	fragments := make(chan string)
	errs := make(chan error, 1)
	close(fragments)
	close(errs)
	return fragments, errs
}

func (m *MockBackend) Models(ctx context.Context) ([]domain.Model, error) {
	if m.ModelsFunc != nil {
		return m.ModelsFunc(ctx)
	}
	return nil, nil
}

// wordCounter counts whitespace-separated words, which keeps usage arithmetic
// easy to verify by hand.
type wordCounter struct{}

func (wordCounter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

// MockLedger records every committed delta.
type MockLedger struct {
	deltas []int64
	users  []string
	total  int64
	err    error
}

func (m *MockLedger) AddTokens(ctx context.Context, username string, delta int64) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.deltas = append(m.deltas, delta)
	m.users = append(m.users, username)
	m.total += delta
	return m.total, nil
}

func staticStream(fragments []string, finalErr error) func(ctx context.Context, model, prompt string, params domain.GenerationParams) (<-chan string, <-chan error) {
	return func(ctx context.Context, model, prompt string, params domain.GenerationParams) (<-chan string, <-chan error) {
		out := make(chan string)
		errs := make(chan error, 1)
		go func() {
			defer close(out)
			defer close(errs)
			for _, frag := range fragments {
				select {
				case out <- frag:
				case <-ctx.Done():
					return
				}
			}
			if finalErr != nil {
				errs <- finalErr
			}
		}()
		return out, errs
	}
}

func newService(backend *MockBackend, ledger *MockLedger) *Service {
	svc := NewService(backend, wordCounter{}, ledger)
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return svc
}

func alice() *domain.User {
	return &domain.User{ID: 1, Username: "alice", APIKey: "key-a"}
}

func errorKind(t *testing.T, err error) domain.ErrorKind {
	t.Helper()
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a domain.Error", err)
	}
	return de.Kind
}

func TestChatCompletionUsageArithmetic(t *testing.T) {
	backend := &MockBackend{
		GenerateFunc: func(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
			if prompt != "system: be brief\nuser: hello there" {
				t.Errorf("flattened prompt = %q", prompt)
			}
			return "hi friend", nil
		},
	}
	ledger := &MockLedger{}
	svc := newService(backend, ledger)

	resp, err := svc.ChatCompletion(context.Background(), alice(), domain.ChatRequest{
		Model: "llama2",
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello there"},
		},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	// Prompt flattens to 6 words, completion is 2 words.
	if resp.Usage.PromptTokens != 6 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("total %d != prompt+completion", resp.Usage.TotalTokens)
	}

	if len(ledger.deltas) != 1 || ledger.deltas[0] != 8 {
		t.Errorf("ledger deltas = %v, want [8]", ledger.deltas)
	}
	if ledger.users[0] != "alice" {
		t.Errorf("ledger user = %q, want alice", ledger.users[0])
	}

	if resp.ID != "chatcmpl-1700000000" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Object != "chat.completion" || resp.Created != 1700000000 {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].Message.Role != "assistant" || resp.Choices[0].Message.Content != "hi friend" {
		t.Errorf("message = %+v", resp.Choices[0].Message)
	}
}

func TestChatCompletionValidation(t *testing.T) {
	tests := []struct {
		name string
		req  domain.ChatRequest
		want string
	}{
		{"missing model", domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}}, "model"},
		{"missing messages", domain.ChatRequest{Model: "llama2"}, "messages"},
		{"empty messages", domain.ChatRequest{Model: "llama2", Messages: []domain.Message{}}, "messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &MockBackend{}
			ledger := &MockLedger{}
			svc := newService(backend, ledger)

			_, err := svc.ChatCompletion(context.Background(), alice(), tt.req)
			if errorKind(t, err) != domain.KindClient {
				t.Errorf("expected client error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should name the missing field %q", err.Error(), tt.want)
			}
			if backend.generateCalls != 0 {
				t.Error("backend must not be contacted for invalid requests")
			}
			if len(ledger.deltas) != 0 {
				t.Error("ledger must not be touched for invalid requests")
			}
		})
	}
}

func TestChatCompletionNegativeMaxTokens(t *testing.T) {
	backend := &MockBackend{}
	svc := newService(backend, &MockLedger{})

	bad := -1
	_, err := svc.ChatCompletion(context.Background(), alice(), domain.ChatRequest{
		Model:     "llama2",
		Messages:  []domain.Message{{Role: "user", Content: "hi"}},
		MaxTokens: &bad,
	})
	if errorKind(t, err) != domain.KindClient {
		t.Errorf("expected client error, got %v", err)
	}
}

func TestChatCompletionBackendErrorWrapped(t *testing.T) {
	backend := &MockBackend{
		GenerateFunc: func(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
			return "", errors.New("connection refused")
		},
	}
	ledger := &MockLedger{}
	svc := newService(backend, ledger)

	_, err := svc.ChatCompletion(context.Background(), alice(), domain.ChatRequest{
		Model:    "llama2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	if errorKind(t, err) != domain.KindBackend {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Error generating chat completion:") {
		t.Errorf("error %q lacks wrap context", err.Error())
	}
	if len(ledger.deltas) != 0 {
		t.Error("no usage may be committed when generation fails outright")
	}
}

func TestChatCompletionStream(t *testing.T) {
	backend := &MockBackend{
		GenerateStreamFunc: staticStream([]string{"Hel", "lo"}, nil),
	}
	ledger := &MockLedger{}
	svc := newService(backend, ledger)

	var chunks []domain.StreamChunk
	usage, err := svc.ChatCompletionStream(context.Background(), alice(), domain.ChatRequest{
		Model:    "llama2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, func(chunk domain.StreamChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Content != "Hel" || chunks[1].Choices[0].Delta.Content != "lo" {
		t.Errorf("chunk contents = %q, %q", chunks[0].Choices[0].Delta.Content, chunks[1].Choices[0].Delta.Content)
	}
	for _, chunk := range chunks {
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", chunk.Object)
		}
		if chunk.Choices[0].FinishReason != nil {
			t.Error("non-final chunks must carry a null finish_reason")
		}
	}

	// prompt "user: hi" = 2 words, "Hel" and "lo" are 1 word each.
	if usage.TotalTokens != 4 {
		t.Errorf("usage total = %d, want 4", usage.TotalTokens)
	}
	if len(ledger.deltas) != 1 || ledger.deltas[0] != 4 {
		t.Errorf("ledger deltas = %v, want [4]", ledger.deltas)
	}
}

func TestChatCompletionStreamBackendFailureCommitsPartialUsage(t *testing.T) {
	backend := &MockBackend{
		GenerateStreamFunc: staticStream([]string{"Hel"}, errors.New("stream reset")),
	}
	ledger := &MockLedger{}
	svc := newService(backend, ledger)

	var emitted int
	_, err := svc.ChatCompletionStream(context.Background(), alice(), domain.ChatRequest{
		Model:    "llama2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, func(chunk domain.StreamChunk) error {
		emitted++
		return nil
	})

	if errorKind(t, err) != domain.KindBackend {
		t.Fatalf("expected backend error, got %v", err)
	}
	if emitted != 1 {
		t.Errorf("emitted %d chunks before failure, want 1", emitted)
	}
	// Tokens generated before the failure are billed: prompt (2) + "Hel" (1).
	if len(ledger.deltas) != 1 || ledger.deltas[0] != 3 {
		t.Errorf("ledger deltas = %v, want [3]", ledger.deltas)
	}
}

func TestChatCompletionStreamEmitFailureStopsAndBills(t *testing.T) {
	backend := &MockBackend{
		GenerateStreamFunc: staticStream([]string{"Hel", "lo", "again"}, nil),
	}
	ledger := &MockLedger{}
	svc := newService(backend, ledger)

	_, err := svc.ChatCompletionStream(context.Background(), alice(), domain.ChatRequest{
		Model:    "llama2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, func(chunk domain.StreamChunk) error {
		return errors.New("client disconnected")
	})

	if err == nil {
		t.Fatal("expected emit error to propagate")
	}
	// prompt (2) + first fragment (1); later fragments were never delivered.
	if len(ledger.deltas) != 1 || ledger.deltas[0] != 3 {
		t.Errorf("ledger deltas = %v, want [3]", ledger.deltas)
	}
}

func TestCompletionEnvelope(t *testing.T) {
	backend := &MockBackend{
		GenerateFunc: func(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
			if params.MaxTokens == nil || *params.MaxTokens != 16 {
				t.Errorf("max_tokens = %v, want default 16", params.MaxTokens)
			}
			return "Hello back", nil
		},
	}
	ledger := &MockLedger{}
	svc := newService(backend, ledger)

	resp, err := svc.Completion(context.Background(), alice(), domain.CompletionRequest{
		Model:  "gpt4",
		Prompt: "Hi",
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}

	if resp.ID != "cmpl-1700000000" || resp.Object != "text_completion" {
		t.Errorf("envelope = %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.Text != "Hello back" || choice.Index != 0 || choice.FinishReason != "length" {
		t.Errorf("choice = %+v", choice)
	}
	if choice.Logprobs != nil {
		t.Error("logprobs must be null")
	}

	// "Hi" = 1 word, "Hello back" = 2 words.
	if resp.Usage.PromptTokens != 1 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(ledger.deltas) != 1 || ledger.deltas[0] != 3 {
		t.Errorf("ledger deltas = %v, want [3]", ledger.deltas)
	}
}

func TestCompletionValidation(t *testing.T) {
	backend := &MockBackend{}
	svc := newService(backend, &MockLedger{})

	_, err := svc.Completion(context.Background(), alice(), domain.CompletionRequest{Prompt: "Hi"})
	if errorKind(t, err) != domain.KindClient || !strings.Contains(err.Error(), "model") {
		t.Errorf("missing model: got %v", err)
	}

	_, err = svc.Completion(context.Background(), alice(), domain.CompletionRequest{Model: "gpt4"})
	if errorKind(t, err) != domain.KindClient || !strings.Contains(err.Error(), "prompt") {
		t.Errorf("missing prompt: got %v", err)
	}

	if backend.generateCalls != 0 {
		t.Error("backend must not be contacted for invalid requests")
	}
}

func TestCompletionCallerMaxTokensKept(t *testing.T) {
	requested := 512
	backend := &MockBackend{
		GenerateFunc: func(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
			if params.MaxTokens == nil || *params.MaxTokens != 512 {
				t.Errorf("max_tokens = %v, want 512", params.MaxTokens)
			}
			return "ok", nil
		},
	}
	svc := newService(backend, &MockLedger{})

	if _, err := svc.Completion(context.Background(), alice(), domain.CompletionRequest{
		Model:     "gpt4",
		Prompt:    "Hi",
		MaxTokens: &requested,
	}); err != nil {
		t.Fatalf("Completion: %v", err)
	}
}

func TestListModels(t *testing.T) {
	backend := &MockBackend{
		ModelsFunc: func(ctx context.Context) ([]domain.Model, error) {
			return []domain.Model{{ID: "llama2", Object: "model"}}, nil
		},
	}
	svc := newService(backend, &MockLedger{})

	resp, err := svc.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "llama2" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestListModelsFailure(t *testing.T) {
	backend := &MockBackend{
		ModelsFunc: func(ctx context.Context) ([]domain.Model, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newService(backend, &MockLedger{})

	_, err := svc.ListModels(context.Background())
	if errorKind(t, err) != domain.KindListing {
		t.Fatalf("expected listing error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Error fetching models:") {
		t.Errorf("error %q lacks wrap context", err.Error())
	}
}

func TestLedgerFailureSurfacesAsInternal(t *testing.T) {
	backend := &MockBackend{
		GenerateFunc: func(ctx context.Context, model, prompt string, params domain.GenerationParams) (string, error) {
			return "ok", nil
		},
	}
	ledger := &MockLedger{err: errors.New("db down")}
	svc := newService(backend, ledger)

	_, err := svc.ChatCompletion(context.Background(), alice(), domain.ChatRequest{
		Model:    "llama2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error when the ledger cannot commit")
	}
	var de *domain.Error
	if errors.As(err, &de) {
		t.Error("ledger failures should stay unclassified (mapped to 500)")
	}
}
