package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/loan-portal/internal/model"
)

func branchIdentity() model.Identity {
	branch := uuid.New()
	return model.Identity{
		Role:      model.RoleBranch,
		SubjectID: uuid.New(),
		Username:  "sbi-raipur",
		BranchID:  &branch,
	}
}

func issueCookie(t *testing.T, m *AuthMiddleware, id model.Identity, remember bool) *http.Cookie {
	t.Helper()

	w := httptest.NewRecorder()
	if err := m.SetAuthCookie(w, id, remember); err != nil {
		t.Fatalf("SetAuthCookie error: %v", err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}
	return cookies[0]
}

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", time.Hour, 24*time.Hour, false)
	want := branchIdentity()

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		got := IdentityFromContext(r.Context())
		if got.Role != want.Role || got.SubjectID != want.SubjectID || got.Username != want.Username {
			t.Fatalf("identity from context = %+v, want %+v", got, want)
		}
		if got.BranchID == nil || *got.BranchID != *want.BranchID {
			t.Fatalf("branch id = %v, want %s", got.BranchID, want.BranchID)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(issueCookie(t, m, want, false))

	m.Identify(m.Middleware(next)).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", time.Hour, 24*time.Hour, false)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.Identify(m.Middleware(next)).ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestIdentify_AnonymousOnBadToken(t *testing.T) {
	signer := NewAuthMiddleware("other-secret", time.Hour, time.Hour, false)
	m := NewAuthMiddleware("test-secret", time.Hour, time.Hour, false)

	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{"garbage", &http.Cookie{Name: authCookieName, Value: "not-a-token"}},
		{"foreign signature", issueCookie(t, signer, branchIdentity(), false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if !IdentityFromContext(r.Context()).IsAnonymous() {
					t.Fatalf("request must be anonymous")
				}
			})

			r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			r.AddCookie(tt.cookie)
			m.Identify(next).ServeHTTP(httptest.NewRecorder(), r)

			if !called {
				t.Fatalf("Identify must not block anonymous requests")
			}
		})
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret", time.Hour, 24*time.Hour, false)
	issued := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	cookie := issueCookie(t, m, branchIdentity(), false)

	m.now = func() time.Time { return issued.Add(2 * time.Hour) }

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPatch, "/api/applications", nil)
	r.AddCookie(cookie)
	m.Identify(m.Middleware(http.NotFoundHandler())).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestSetAuthCookie_RememberExtendsTTL(t *testing.T) {
	m := NewAuthMiddleware("test-secret", time.Hour, 30*24*time.Hour, true)

	short := issueCookie(t, m, branchIdentity(), false)
	long := issueCookie(t, m, branchIdentity(), true)

	if short.MaxAge != int(time.Hour.Seconds()) {
		t.Fatalf("short MaxAge = %d", short.MaxAge)
	}
	if long.MaxAge != int((30 * 24 * time.Hour).Seconds()) {
		t.Fatalf("remember MaxAge = %d", long.MaxAge)
	}
	if !long.HttpOnly || !long.Secure {
		t.Fatalf("cookie must be HttpOnly and Secure: %+v", long)
	}
}

func TestClearAuthCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", time.Hour, time.Hour, false)

	w := httptest.NewRecorder()
	m.ClearAuthCookie(w)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != authCookieName || cookies[0].MaxAge >= 0 {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
}

func TestSetUnauthorizedHandler(t *testing.T) {
	m := NewAuthMiddleware("test-secret", time.Hour, time.Hour, false)
	m.SetUnauthorizedHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	m.Middleware(http.NotFoundHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want custom handler status", w.Code)
	}
}
