package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/loan-portal/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware портала.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.RequestID)
	r.Use(h.authMiddleware.Identify)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
		})

		r.Get("/applications", h.ListApplications)
		r.Get("/banks", h.ListBanks)
		r.Get("/branches", h.ListBranches)
		r.Get("/departments", h.ListDepartments)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/applications/{id}", h.GetApplication)
			r.Post("/applications", h.SubmitApplication)
			r.Patch("/applications", h.TransitionApplication)

			r.Get("/summary/departments", h.DepartmentSummary)

			r.Post("/banks", h.CreateBank)
			r.Delete("/banks/{id}", h.DeleteBank)

			r.Post("/branches", h.CreateBranch)
			r.Patch("/branches", h.UpdateBranchCredentials)
			r.Delete("/branches/{id}", h.DeleteBranch)

			r.Post("/departments", h.CreateDepartment)
			r.Patch("/departments/{id}", h.UpdateDepartment)
			r.Delete("/departments/{id}", h.DeleteDepartment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "route not found", nil)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed), nil)
	})

	return r
}
