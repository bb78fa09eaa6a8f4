package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/loan-portal/internal/metrics"
	"github.com/mmeshcher/loan-portal/internal/middleware"
	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/repository"
	"github.com/mmeshcher/loan-portal/internal/service"
	"github.com/mmeshcher/loan-portal/internal/validation"
	"github.com/mmeshcher/loan-portal/internal/workflow"
)

type stubService struct {
	loginID  model.Identity
	loginErr error

	pingErr error

	listResp   []model.Application
	listErr    error
	listStatus *model.Status
	listCaller model.Identity

	getResp *model.Application
	getErr  error

	submitResp *model.Application
	submitErr  error
	submitIn   service.SubmitInput

	transitionErr error
	transitionIn  service.TransitionInput

	summaryResp []model.DepartmentSummary
	summaryErr  error

	banksResp    []model.Bank
	directoryErr error
	branchesFor  *uuid.UUID
	credsFor     uuid.UUID
	deptPatch    service.DepartmentUpdate
}

func (s *stubService) Login(ctx context.Context, role model.Role, username, password string) (model.Identity, error) {
	return s.loginID, s.loginErr
}

func (s *stubService) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubService) ListApplications(ctx context.Context, id model.Identity, status *model.Status) ([]model.Application, error) {
	s.listCaller = id
	s.listStatus = status
	return s.listResp, s.listErr
}

func (s *stubService) GetApplication(ctx context.Context, id model.Identity, appID uuid.UUID) (*model.Application, error) {
	return s.getResp, s.getErr
}

func (s *stubService) SubmitApplication(ctx context.Context, id model.Identity, in service.SubmitInput) (*model.Application, error) {
	s.submitIn = in
	return s.submitResp, s.submitErr
}

func (s *stubService) Transition(ctx context.Context, id model.Identity, in service.TransitionInput) error {
	s.transitionIn = in
	return s.transitionErr
}

func (s *stubService) DepartmentSummary(ctx context.Context, id model.Identity) ([]model.DepartmentSummary, error) {
	return s.summaryResp, s.summaryErr
}

func (s *stubService) ListBanks(ctx context.Context) ([]model.Bank, error) {
	return s.banksResp, s.directoryErr
}

func (s *stubService) CreateBank(ctx context.Context, id model.Identity, in service.BankInput) (*model.Bank, error) {
	if s.directoryErr != nil {
		return nil, s.directoryErr
	}
	return &model.Bank{ID: uuid.New(), Name: in.Name, Active: true}, nil
}

func (s *stubService) DeleteBank(ctx context.Context, id model.Identity, bankID uuid.UUID) error {
	return s.directoryErr
}

func (s *stubService) ListBranches(ctx context.Context, bankID *uuid.UUID) ([]model.Branch, error) {
	s.branchesFor = bankID
	return []model.Branch{}, s.directoryErr
}

func (s *stubService) CreateBranch(ctx context.Context, id model.Identity, in service.BranchInput) (*model.Branch, error) {
	return &model.Branch{ID: uuid.New(), Name: in.Name}, s.directoryErr
}

func (s *stubService) UpdateBranchCredentials(ctx context.Context, id model.Identity, branchID uuid.UUID, username, password string) error {
	s.credsFor = branchID
	return s.directoryErr
}

func (s *stubService) DeleteBranch(ctx context.Context, id model.Identity, branchID uuid.UUID) error {
	return s.directoryErr
}

func (s *stubService) ListDepartments(ctx context.Context) ([]model.Department, error) {
	return []model.Department{}, s.directoryErr
}

func (s *stubService) CreateDepartment(ctx context.Context, id model.Identity, in service.DepartmentInput) (*model.Department, error) {
	return &model.Department{ID: uuid.New(), Name: in.Name}, s.directoryErr
}

func (s *stubService) UpdateDepartment(ctx context.Context, id model.Identity, deptID uuid.UUID, in service.DepartmentUpdate) (*model.Department, error) {
	s.deptPatch = in
	return &model.Department{ID: deptID}, s.directoryErr
}

func (s *stubService) DeleteDepartment(ctx context.Context, id model.Identity, deptID uuid.UUID) error {
	return s.directoryErr
}

type testServer struct {
	handler http.Handler
	auth    *middleware.AuthMiddleware
}

func newTestServer(t *testing.T, svc Service) *testServer {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret", time.Hour, 24*time.Hour, false)
	h := NewHandler(svc, logger, auth, metrics.New().Handler())

	return &testServer{handler: h.SetupRouter(), auth: auth}
}

func (ts *testServer) cookieFor(t *testing.T, id model.Identity) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	if err := ts.auth.SetAuthCookie(w, id, false); err != nil {
		t.Fatalf("SetAuthCookie error: %v", err)
	}
	return w.Result().Cookies()[0]
}

func (ts *testServer) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return resp
}

func adminIdentity() model.Identity {
	return model.Identity{Role: model.RoleAdmin, SubjectID: uuid.New(), Username: "admin"}
}

func TestLogin_SetsCookie(t *testing.T) {
	id := adminIdentity()
	ts := newTestServer(t, &stubService{loginID: id})

	rec := ts.do(t, http.MethodPost, "/api/auth/login", loginRequest{Role: "admin", Username: "admin", Password: "pass"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "auth_token", cookies[0].Name)

	var resp userResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.User)
	assert.Equal(t, id.SubjectID, resp.User.SubjectID)

	me := ts.do(t, http.MethodGet, "/api/auth/me", nil, cookies[0])
	require.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), `"username":"admin"`)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	ts := newTestServer(t, &stubService{loginErr: service.ErrInvalidCredentials})

	rec := ts.do(t, http.MethodPost, "/api/auth/login", loginRequest{Role: "admin", Username: "admin", Password: "bad"}, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, codeInvalidCredentials, resp.Error.Code)
	assert.True(t, strings.HasPrefix(resp.RequestID, "req_"))
	assert.Equal(t, resp.RequestID, rec.Header().Get(middleware.RequestIDHeader))
}

func TestLogin_MalformedBody(t *testing.T) {
	ts := newTestServer(t, &stubService{})

	rec := ts.do(t, http.MethodPost, "/api/auth/login", "{not json", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeBadRequest, decodeError(t, rec).Error.Code)
}

func TestMe_Anonymous(t *testing.T) {
	ts := newTestServer(t, &stubService{})

	rec := ts.do(t, http.MethodGet, "/api/auth/me", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":null}`, rec.Body.String())
}

func TestLogout_ClearsCookie(t *testing.T) {
	ts := newTestServer(t, &stubService{})

	rec := ts.do(t, http.MethodPost, "/api/auth/logout", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &stubService{})
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/health", nil, nil).Code)

	ts = newTestServer(t, &stubService{pingErr: repository.ErrUnavailable})
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/health", nil, nil).Code)
}

func TestListApplications(t *testing.T) {
	svc := &stubService{listResp: []model.Application{}}
	ts := newTestServer(t, svc)

	rec := ts.do(t, http.MethodGet, "/api/applications", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.True(t, svc.listCaller.IsAnonymous())

	rec = ts.do(t, http.MethodGet, "/api/applications?status=approved", nil, ts.cookieFor(t, adminIdentity()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.listStatus)
	assert.Equal(t, model.StatusApproved, *svc.listStatus)
	assert.Equal(t, model.RoleAdmin, svc.listCaller.Role)

	rec = ts.do(t, http.MethodGet, "/api/applications?status=archived", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, codeValidation, resp.Error.Code)
	assert.Contains(t, rec.Body.String(), `"field":"status"`)
}

func TestGetApplication(t *testing.T) {
	app := &model.Application{ID: uuid.New(), Status: model.StatusSubmitted}
	ts := newTestServer(t, &stubService{getResp: app})
	cookie := ts.cookieFor(t, adminIdentity())

	rec := ts.do(t, http.MethodGet, "/api/applications/"+app.ID.String(), nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), app.ID.String())

	rec = ts.do(t, http.MethodGet, "/api/applications/"+app.ID.String(), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/applications/507f1f77bcf86cd799439011", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitApplication(t *testing.T) {
	app := &model.Application{ID: uuid.New()}
	svc := &stubService{submitResp: app}
	ts := newTestServer(t, svc)
	dept := uuid.New()
	cookie := ts.cookieFor(t, model.Identity{Role: model.RoleDepartment, SubjectID: uuid.New(), Username: "agri", DepartmentID: &dept})

	rec := ts.do(t, http.MethodPost, "/api/applications", submitRequest{
		Type:          "individual",
		ApplicantName: "Ravi Kumar",
		Address:       "Raipur",
		BankID:        uuid.NewString(),
		BranchID:      uuid.NewString(),
	}, cookie)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"ok":true,"id":%q}`, app.ID), rec.Body.String())
	assert.Equal(t, "Ravi Kumar", svc.submitIn.ApplicantName)
}

func TestTransitionApplication_ErrorMapping(t *testing.T) {
	appID := uuid.New()

	tests := []struct {
		name     string
		err      error
		body     any
		wantCode int
		wantErr  string
	}{
		{"success", nil, transitionRequest{ID: appID.String(), Action: "approve"}, http.StatusOK, ""},
		{"invalid transition", fmt.Errorf("wrap: %w", workflow.ErrInvalidTransition), transitionRequest{ID: appID.String(), Action: "approve"}, http.StatusConflict, codeInvalidTransition},
		{"unauthorized", workflow.ErrUnauthorized, transitionRequest{ID: appID.String(), Action: "sanction"}, http.StatusForbidden, codeForbidden},
		{"not found", repository.ErrNotFound, transitionRequest{ID: appID.String(), Action: "approve"}, http.StatusNotFound, codeNotFound},
		{"unavailable", repository.ErrUnavailable, transitionRequest{ID: appID.String(), Action: "approve"}, http.StatusServiceUnavailable, codeUnavailable},
		{"unknown action", validation.New("action", "unknown action"), transitionRequest{ID: appID.String(), Action: "archive"}, http.StatusBadRequest, codeValidation},
		{"internal", errors.New("boom"), transitionRequest{ID: appID.String(), Action: "approve"}, http.StatusInternalServerError, codeInternal},
		{"bad id", nil, transitionRequest{ID: "42", Action: "approve"}, http.StatusBadRequest, codeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{transitionErr: tt.err}
			ts := newTestServer(t, svc)

			rec := ts.do(t, http.MethodPatch, "/api/applications", tt.body, ts.cookieFor(t, adminIdentity()))

			require.Equal(t, tt.wantCode, rec.Code, "body: %s", rec.Body.String())
			if tt.wantErr == "" {
				assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
				assert.Equal(t, appID, svc.transitionIn.ApplicationID)
				assert.Equal(t, model.ActionApprove, svc.transitionIn.Action)
				return
			}
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Error.Code)
		})
	}
}

func TestTransitionApplication_RequiresSession(t *testing.T) {
	svc := &stubService{}
	ts := newTestServer(t, svc)

	rec := ts.do(t, http.MethodPatch, "/api/applications", transitionRequest{ID: uuid.NewString(), Action: "approve"}, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthenticated, decodeError(t, rec).Error.Code)
	assert.Equal(t, uuid.Nil, svc.transitionIn.ApplicationID, "service must not be called")
}

func TestDirectoryRoutes(t *testing.T) {
	svc := &stubService{banksResp: []model.Bank{{ID: uuid.New(), Name: "State Bank"}}}
	ts := newTestServer(t, svc)
	cookie := ts.cookieFor(t, adminIdentity())

	rec := ts.do(t, http.MethodGet, "/api/banks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "State Bank")

	bankID := uuid.New()
	rec = ts.do(t, http.MethodGet, "/api/branches?bankId="+bankID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.branchesFor)
	assert.Equal(t, bankID, *svc.branchesFor)

	rec = ts.do(t, http.MethodPost, "/api/banks", bankRequest{Name: "Gramin"}, cookie)
	assert.Equal(t, http.StatusCreated, rec.Code)

	branchID := uuid.New()
	rec = ts.do(t, http.MethodPatch, "/api/branches", branchCredentialsRequest{BranchID: branchID.String(), Username: "u", Password: "p"}, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, branchID, svc.credsFor)

	rec = ts.do(t, http.MethodPatch, "/api/departments/"+uuid.NewString(), `{"active":false}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.deptPatch.Active)
	assert.False(t, *svc.deptPatch.Active)
	assert.Nil(t, svc.deptPatch.Name)

	rec = ts.do(t, http.MethodDelete, "/api/departments/not-an-id", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/banks/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDirectoryConflictAndForbidden(t *testing.T) {
	ts := newTestServer(t, &stubService{directoryErr: fmt.Errorf("create: %w", repository.ErrConflict)})
	rec := ts.do(t, http.MethodPost, "/api/banks", bankRequest{Name: "State Bank"}, ts.cookieFor(t, adminIdentity()))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeConflict, decodeError(t, rec).Error.Code)

	ts = newTestServer(t, &stubService{directoryErr: workflow.ErrUnauthorized})
	branch := uuid.New()
	rec = ts.do(t, http.MethodDelete, "/api/banks/"+uuid.NewString(), nil,
		ts.cookieFor(t, model.Identity{Role: model.RoleBranch, SubjectID: uuid.New(), Username: "b", BranchID: &branch}))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsAndUnknownRoute(t *testing.T) {
	ts := newTestServer(t, &stubService{})

	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loanportal_applications_submitted_total")

	rec = ts.do(t, http.MethodGet, "/api/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decodeError(t, rec).Error.Code)
}

func TestMetricsGzipScrape(t *testing.T) {
	ts := newTestServer(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gr.Close()
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "loanportal_applications_submitted_total")
}

func TestLogin_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, &stubService{})

	body := `{"role":"admin","username":"` + strings.Repeat("a", int(middleware.MaxBodyBytes)) + `"}`
	rec := ts.do(t, http.MethodPost, "/api/auth/login", body, nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, codeTooLarge, decodeError(t, rec).Error.Code)
}
