package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/claudiocassimiro/llm-api/internal/domain"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		slog.Warn("registration failed", "username", req.Username, "error", err)
		writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "User registered successfully",
		"api_key": user.APIKey,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		slog.Warn("login failed", "username", req.Username, "error", err)
		writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Login successful",
		"api_key": user.APIKey,
	})
}

// handleUsage reports the caller's cumulative token consumption. The count
// reflects every committed request, including streams that ended early.
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request, user *domain.User) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":    user.Username,
		"tokens_used": user.TokensUsed,
	})
}
