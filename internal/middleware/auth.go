// Package middleware содержит HTTP middleware портала кредитных заявок.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/loan-portal/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	tokenIssuer    = "loan-portal"
)

type sessionClaims struct {
	Role         model.Role `json:"role"`
	Username     string     `json:"username"`
	DepartmentID *uuid.UUID `json:"departmentId,omitempty"`
	BranchID     *uuid.UUID `json:"branchId,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware выпускает и проверяет сессионный cookie с подписанным JWT.
type AuthMiddleware struct {
	secretKey    []byte
	ttl          time.Duration
	rememberTTL  time.Duration
	secure       bool
	now          func() time.Time
	unauthorized http.Handler
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете используется случайный ключ,
// и выпущенные сессии не переживают перезапуск.
func NewAuthMiddleware(secret string, ttl, rememberTTL time.Duration, secure bool) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("loan-portal-secret")
		}
	}

	return &AuthMiddleware{
		secretKey:   key,
		ttl:         ttl,
		rememberTTL: rememberTTL,
		secure:      secure,
		now:         time.Now,
		unauthorized: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		}),
	}
}

// SetUnauthorizedHandler задаёт ответ на запрос без действительной сессии.
func (a *AuthMiddleware) SetUnauthorizedHandler(h http.Handler) {
	a.unauthorized = h
}

// Identify читает сессионный cookie и кладёт контекст пользователя в запрос.
// Запрос без cookie или с недействительным токеном проходит дальше как анонимный.
func (a *AuthMiddleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		id, err := a.parseToken(cookie.Value)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Middleware пропускает только запросы с действительной сессией.
// Должен стоять после Identify.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFromContext(r.Context()).IsAnonymous() {
			a.unauthorized.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetAuthCookie выпускает токен для пользователя и устанавливает сессионный cookie.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, id model.Identity, remember bool) error {
	ttl := a.ttl
	if remember {
		ttl = a.rememberTTL
	}

	now := a.now()
	expires := now.Add(ttl)
	token, err := a.signToken(id, now, expires)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearAuthCookie удаляет сессионный cookie.
func (a *AuthMiddleware) ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) signToken(id model.Identity, issuedAt, expires time.Time) (string, error) {
	claims := sessionClaims{
		Role:         id.Role,
		Username:     id.Username,
		DepartmentID: id.DepartmentID,
		BranchID:     id.BranchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.SubjectID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

func (a *AuthMiddleware) parseToken(raw string) (model.Identity, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return model.Identity{}, err
	}

	if !claims.Role.Valid() {
		return model.Identity{}, errors.New("session token has unknown role")
	}
	sub, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.Identity{}, fmt.Errorf("session token subject: %w", err)
	}

	return model.Identity{
		Role:         claims.Role,
		SubjectID:    sub,
		Username:     claims.Username,
		DepartmentID: claims.DepartmentID,
		BranchID:     claims.BranchID,
	}, nil
}

// WithIdentity возвращает контекст с пользователем.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext извлекает пользователя из контекста запроса.
// Для запроса без сессии возвращается анонимный пользователь.
func IdentityFromContext(ctx context.Context) model.Identity {
	id, _ := ctx.Value(identityKey).(model.Identity)
	return id
}
