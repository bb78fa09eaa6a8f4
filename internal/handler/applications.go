package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/loan-portal/internal/middleware"
	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/service"
	"github.com/mmeshcher/loan-portal/internal/validation"
)

type submitRequest struct {
	Type          string `json:"type"`
	ApplicantName string `json:"applicantName"`
	Address       string `json:"address"`
	BankID        string `json:"bankId"`
	BranchID      string `json:"branchId"`
	Description   string `json:"description"`
}

type transitionRequest struct {
	ID              string `json:"id"`
	Action          string `json:"action"`
	Reason          string `json:"reason"`
	DisbursementRef string `json:"disbursementRef"`
}

// ListApplications возвращает заявки, видимые текущему пользователю.
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	status, err := validation.ParseStatus("status", r.URL.Query().Get("status"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	apps, err := h.service.ListApplications(r.Context(), middleware.IdentityFromContext(r.Context()), status)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, apps)
}

// GetApplication возвращает одну заявку.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	appID, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	app, err := h.service.GetApplication(r.Context(), middleware.IdentityFromContext(r.Context()), appID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, app)
}

// SubmitApplication принимает новую заявку от отдела.
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	app, err := h.service.SubmitApplication(r.Context(), middleware.IdentityFromContext(r.Context()), service.SubmitInput{
		Type:          req.Type,
		ApplicantName: req.ApplicantName,
		Address:       req.Address,
		BankID:        req.BankID,
		BranchID:      req.BranchID,
		Description:   req.Description,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, okResponse{OK: true, ID: app.ID.String()})
}

// TransitionApplication выполняет действие над заявкой.
func (h *Handler) TransitionApplication(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	appID, err := validation.ParseID("id", req.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	err = h.service.Transition(r.Context(), middleware.IdentityFromContext(r.Context()), service.TransitionInput{
		ApplicationID:   appID,
		Action:          model.Action(strings.ToLower(strings.TrimSpace(req.Action))),
		Reason:          req.Reason,
		DisbursementRef: req.DisbursementRef,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// DepartmentSummary возвращает сводку заявок по отделам.
func (h *Handler) DepartmentSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.DepartmentSummary(r.Context(), middleware.IdentityFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
