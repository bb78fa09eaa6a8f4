package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/loan-portal/internal/middleware"
	"github.com/mmeshcher/loan-portal/internal/service"
	"github.com/mmeshcher/loan-portal/internal/validation"
)

type bankRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type branchRequest struct {
	BankID   string `json:"bankId"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type branchCredentialsRequest struct {
	BranchID string `json:"branchId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type departmentRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

type departmentPatchRequest struct {
	Name        *string `json:"name"`
	Code        *string `json:"code"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
	Username    *string `json:"username"`
	Password    *string `json:"password"`
}

// ListBanks возвращает активные банки.
func (h *Handler) ListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := h.service.ListBanks(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, banks)
}

// CreateBank регистрирует банк.
func (h *Handler) CreateBank(w http.ResponseWriter, r *http.Request) {
	var req bankRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	bank, err := h.service.CreateBank(r.Context(), middleware.IdentityFromContext(r.Context()), service.BankInput{
		Name: req.Name,
		Code: req.Code,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bank)
}

// DeleteBank помечает банк удалённым.
func (h *Handler) DeleteBank(w http.ResponseWriter, r *http.Request) {
	bankID, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.service.DeleteBank(r.Context(), middleware.IdentityFromContext(r.Context()), bankID); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ListBranches возвращает отделения, при наличии ?bankId только указанного банка.
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	bankID, err := validation.ParseOptionalID("bankId", r.URL.Query().Get("bankId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	branches, err := h.service.ListBranches(r.Context(), bankID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

// CreateBranch регистрирует отделение.
func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	branch, err := h.service.CreateBranch(r.Context(), middleware.IdentityFromContext(r.Context()), service.BranchInput{
		BankID:   req.BankID,
		Name:     req.Name,
		Code:     req.Code,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

// UpdateBranchCredentials меняет логин и пароль отделения.
func (h *Handler) UpdateBranchCredentials(w http.ResponseWriter, r *http.Request) {
	var req branchCredentialsRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	branchID, err := validation.ParseID("branchId", req.BranchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	err = h.service.UpdateBranchCredentials(r.Context(), middleware.IdentityFromContext(r.Context()), branchID, req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// DeleteBranch помечает отделение удалённым.
func (h *Handler) DeleteBranch(w http.ResponseWriter, r *http.Request) {
	branchID, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.service.DeleteBranch(r.Context(), middleware.IdentityFromContext(r.Context()), branchID); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ListDepartments возвращает активные отделы.
func (h *Handler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := h.service.ListDepartments(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, departments)
}

// CreateDepartment регистрирует отдел.
func (h *Handler) CreateDepartment(w http.ResponseWriter, r *http.Request) {
	var req departmentRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	dept, err := h.service.CreateDepartment(r.Context(), middleware.IdentityFromContext(r.Context()), service.DepartmentInput{
		Name:        req.Name,
		Code:        req.Code,
		Description: req.Description,
		Username:    req.Username,
		Password:    req.Password,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dept)
}

// UpdateDepartment частично обновляет отдел.
func (h *Handler) UpdateDepartment(w http.ResponseWriter, r *http.Request) {
	deptID, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req departmentPatchRequest
	if err := readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	dept, err := h.service.UpdateDepartment(r.Context(), middleware.IdentityFromContext(r.Context()), deptID, service.DepartmentUpdate{
		Name:        req.Name,
		Code:        req.Code,
		Description: req.Description,
		Active:      req.Active,
		Username:    req.Username,
		Password:    req.Password,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dept)
}

// DeleteDepartment помечает отдел удалённым.
func (h *Handler) DeleteDepartment(w http.ResponseWriter, r *http.Request) {
	deptID, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.service.DeleteDepartment(r.Context(), middleware.IdentityFromContext(r.Context()), deptID); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
