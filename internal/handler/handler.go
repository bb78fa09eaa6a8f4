// Package handler содержит HTTP-обработчики API портала кредитных заявок.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loan-portal/internal/middleware"
	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/service"
)

const healthTimeout = 2 * time.Second

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Login(ctx context.Context, role model.Role, username, password string) (model.Identity, error)
	Ping(ctx context.Context) error

	ListApplications(ctx context.Context, id model.Identity, status *model.Status) ([]model.Application, error)
	GetApplication(ctx context.Context, id model.Identity, appID uuid.UUID) (*model.Application, error)
	SubmitApplication(ctx context.Context, id model.Identity, in service.SubmitInput) (*model.Application, error)
	Transition(ctx context.Context, id model.Identity, in service.TransitionInput) error
	DepartmentSummary(ctx context.Context, id model.Identity) ([]model.DepartmentSummary, error)

	ListBanks(ctx context.Context) ([]model.Bank, error)
	CreateBank(ctx context.Context, id model.Identity, in service.BankInput) (*model.Bank, error)
	DeleteBank(ctx context.Context, id model.Identity, bankID uuid.UUID) error

	ListBranches(ctx context.Context, bankID *uuid.UUID) ([]model.Branch, error)
	CreateBranch(ctx context.Context, id model.Identity, in service.BranchInput) (*model.Branch, error)
	UpdateBranchCredentials(ctx context.Context, id model.Identity, branchID uuid.UUID, username, password string) error
	DeleteBranch(ctx context.Context, id model.Identity, branchID uuid.UUID) error

	ListDepartments(ctx context.Context) ([]model.Department, error)
	CreateDepartment(ctx context.Context, id model.Identity, in service.DepartmentInput) (*model.Department, error)
	UpdateDepartment(ctx context.Context, id model.Identity, deptID uuid.UUID, in service.DepartmentUpdate) (*model.Department, error)
	DeleteDepartment(ctx context.Context, id model.Identity, deptID uuid.UUID) error
}

var _ Service = (*service.Service)(nil)

// Handler реализует HTTP-обработчики API портала.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Если metrics не nil, он обслуживает /metrics.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
	}
	auth.SetUnauthorizedHandler(http.HandlerFunc(h.unauthenticated))
	return h
}

type loginRequest struct {
	Role     string `json:"role"`
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type userResponse struct {
	User *model.Identity `json:"user"`
}

// Login проверяет учётные данные и устанавливает сессионный cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	id, err := h.service.Login(r.Context(), model.Role(req.Role), req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, id, req.Remember); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("user signed in", zap.String("role", string(id.Role)), zap.String("user", id.Username))
	writeJSON(w, http.StatusOK, userResponse{User: &id})
}

// Logout удаляет сессионный cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Me возвращает текущего пользователя или null.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		writeJSON(w, http.StatusOK, userResponse{})
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: &id})
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, okResponse{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
