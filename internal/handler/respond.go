package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/loan-portal/internal/middleware"
	"github.com/mmeshcher/loan-portal/internal/repository"
	"github.com/mmeshcher/loan-portal/internal/service"
	"github.com/mmeshcher/loan-portal/internal/validation"
	"github.com/mmeshcher/loan-portal/internal/workflow"
)

// Коды ошибок в теле ответа.
const (
	codeBadRequest         = "bad_request"
	codeTooLarge           = "payload_too_large"
	codeValidation         = "validation_error"
	codeUnauthenticated    = "unauthenticated"
	codeInvalidCredentials = "invalid_credentials"
	codeForbidden          = "forbidden"
	codeNotFound           = "not_found"
	codeConflict           = "conflict"
	codeInvalidTransition  = "invalid_transition"
	codeUnavailable        = "unavailable"
	codeInternal           = "internal"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorResponse struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

type okResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorResponse{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Error: errorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeTooLarge, "request body too large", map[string]int64{"limit": maxErr.Limit})
		return
	}
	writeError(w, r, http.StatusBadRequest, codeBadRequest, "malformed request body", map[string]string{"reason": err.Error()})
}

func (h *Handler) unauthenticated(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "sign in required", nil)
}

// respondError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error

	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request", map[string]any{"fields": verr.Fields})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials", nil)
	case errors.Is(err, workflow.ErrUnauthorized):
		if middleware.IdentityFromContext(r.Context()).IsAnonymous() {
			h.unauthenticated(w, r)
			return
		}
		writeError(w, r, http.StatusForbidden, codeForbidden, err.Error(), nil)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "not found", nil)
	case errors.Is(err, workflow.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, codeInvalidTransition, err.Error(), nil)
	case errors.Is(err, repository.ErrConflict):
		writeError(w, r, http.StatusConflict, codeConflict, "already exists", nil)
	case errors.Is(err, repository.ErrUnavailable):
		h.logger.Warn("storage unavailable", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "storage temporarily unavailable", nil)
	default:
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		writeError(w, r, http.StatusInternalServerError, codeInternal, http.StatusText(http.StatusInternalServerError), nil)
	}
}
