// Package api is the HTTP boundary: routing, authentication, rate limiting,
// request decoding, and response serialization. All domain behavior lives in
// the services it delegates to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claudiocassimiro/llm-api/internal/auth"
	"github.com/claudiocassimiro/llm-api/internal/completion"
	"github.com/claudiocassimiro/llm-api/internal/domain"
	"github.com/claudiocassimiro/llm-api/internal/metrics"
	"github.com/claudiocassimiro/llm-api/internal/queue"
	"github.com/claudiocassimiro/llm-api/internal/ratelimit"
	"github.com/claudiocassimiro/llm-api/internal/usage"
)

type HandlerConfig struct {
	Auth         *auth.Service
	Completions  *completion.Service
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	UsageQueue   queue.Queue
	UsageMonitor *usage.Monitor
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	auth         *auth.Service
	completions  *completion.Service
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	usageQueue   queue.Queue
	usageMonitor *usage.Monitor
	checkers     []HealthChecker
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		auth:         cfg.Auth,
		completions:  cfg.Completions,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		usageQueue:   cfg.UsageQueue,
		usageMonitor: cfg.UsageMonitor,
		checkers:     cfg.Checkers,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /register", h.handleRegister)
	h.mux.HandleFunc("POST /login", h.handleLogin)
	h.mux.HandleFunc("GET /v1/models", h.withUser(h.handleListModels))
	h.mux.HandleFunc("POST /v1/chat/completions", h.withUser(h.handleChatCompletions))
	h.mux.HandleFunc("POST /v1/completions", h.withUser(h.handleCompletions))
	h.mux.HandleFunc("GET /user/usage", h.withUser(h.handleUsage))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// withUser authenticates the bearer API key and enforces the per-user rate
// limit before the wrapped handler runs. Nothing downstream executes for a
// rejected request.
func (h *Handler) withUser(next func(w http.ResponseWriter, r *http.Request, user *domain.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := h.auth.Authenticate(ctx, r.Header.Get("Authorization"))
		if err != nil {
			metrics.RecordAuthFailure()
			writeError(w, domain.HTTPStatus(err), err.Error())
			return
		}

		if h.rateLimiter != nil {
			allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, user.Username, h.rateLimitRPM)
			if err != nil {
				slog.Error("rate limiter error", "error", err, "username", user.Username)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

			if !allowed {
				metrics.RecordRateLimitHit(user.Username)
				slog.Warn("rate limit exceeded", "username", user.Username)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		next(w, r, user)
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request, user *domain.User) {
	resp, err := h.completions.ListModels(r.Context())
	if err != nil {
		slog.Error("model listing failed", "error", err, "username", user.Username)
		writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request, user *domain.User) {
	start := time.Now()
	requestID := requestID(r)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		h.handleChatStream(w, r, user, req, requestID, start)
		return
	}

	resp, err := h.completions.ChatCompletion(r.Context(), user, req)
	if err != nil {
		slog.Error("chat completion failed", "error", err, "request_id", requestID, "username", user.Username)
		recordFailure("chat_completions", req.Model, err, start)
		writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	h.recordUsage(r.Context(), requestID, user.Username, req.Model, "chat_completions", resp.Usage, start)

	slog.Info("chat completion",
		"request_id", requestID,
		"username", user.Username,
		"model", req.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream serves the SSE variant. Chunks go out as they arrive from
// the backend; a failure after the stream opened is delivered in-band as a
// data event because the 200 status is already on the wire.
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request, user *domain.User, req domain.ChatRequest, requestID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	sseStarted := false
	startSSE := func() {
		if sseStarted {
			return
		}
		sseStarted = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Request-ID", requestID)
	}

	emit := func(chunk domain.StreamChunk) error {
		startSSE()
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	streamUsage, err := h.completions.ChatCompletionStream(r.Context(), user, req, emit)
	if err != nil {
		slog.Error("chat stream failed", "error", err, "request_id", requestID, "username", user.Username)
		recordFailure("chat_completions", req.Model, err, start)

		var de *domain.Error
		if !sseStarted && errors.As(err, &de) && de.Kind == domain.KindClient {
			writeError(w, domain.HTTPStatus(err), err.Error())
			return
		}

		startSSE()
		event, _ := json.Marshal(map[string]string{"error": err.Error()})
		w.Write([]byte("data: " + string(event) + "\n\n"))
		flusher.Flush()
		return
	}

	startSSE()
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	h.recordUsage(r.Context(), requestID, user.Username, req.Model, "chat_completions", streamUsage, start)

	slog.Info("chat stream completed",
		"request_id", requestID,
		"username", user.Username,
		"model", req.Model,
		"total_tokens", streamUsage.TotalTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request, user *domain.User) {
	start := time.Now()
	requestID := requestID(r)

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.completions.Completion(r.Context(), user, req)
	if err != nil {
		slog.Error("completion failed", "error", err, "request_id", requestID, "username", user.Username)
		recordFailure("completions", req.Model, err, start)
		writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	h.recordUsage(r.Context(), requestID, user.Username, req.Model, "completions", resp.Usage, start)

	slog.Info("completion",
		"request_id", requestID,
		"username", user.Username,
		"model", req.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, http.StatusOK, resp)
}

// recordUsage does the post-accounting work after a request already committed
// its ledger delta: metrics, the usage event for downstream consumers, and
// the quota check. None of it can fail the request.
func (h *Handler) recordUsage(ctx context.Context, requestID, username, model, endpoint string, u domain.Usage, start time.Time) {
	metrics.RecordRequest(endpoint, model, "success", time.Since(start).Seconds())
	metrics.RecordTokens(endpoint, model, u.PromptTokens, u.CompletionTokens)

	if h.usageQueue != nil {
		event := queue.UsageEvent{
			RequestID:        requestID,
			Username:         username,
			Model:            model,
			Endpoint:         endpoint,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			CreatedAt:        time.Now().UTC(),
		}
		if err := h.usageQueue.SendUsage(context.WithoutCancel(ctx), event); err != nil {
			slog.Warn("failed to publish usage event", "error", err, "request_id", requestID)
		}
	}

	if h.usageMonitor != nil {
		if _, err := h.usageMonitor.Check(context.WithoutCancel(ctx), username); err != nil {
			slog.Warn("usage quota check failed", "error", err, "username", username)
		}
	}
}

func recordFailure(endpoint, model string, err error, start time.Time) {
	metrics.RecordRequest(endpoint, model, "error", time.Since(start).Seconds())

	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindBackend {
		metrics.RecordBackendError("generate")
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
