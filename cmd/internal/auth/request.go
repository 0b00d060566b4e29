package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const devUserHeader = "X-Marketchat-User"

// Authenticator resolves the user behind an HTTP request (including WebSocket upgrades).
type Authenticator struct {
	verifier Verifier
	devMode  bool
	now      func() time.Time
}

// NewAuthenticator builds an Authenticator. With devMode set, requests may name their user via
// the X-Marketchat-User header or ?user_id= instead of presenting a token. A nil verifier with
// devMode off rejects every request.
func NewAuthenticator(verifier Verifier, devMode bool) *Authenticator {
	return &Authenticator{
		verifier: verifier,
		devMode:  devMode,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate returns the caller's user id.
//
// Tokens are read from "Authorization: Bearer <token>" or, for browsers that cannot set headers
// on a WebSocket upgrade, the access_token query parameter.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if tok := bearerToken(r); tok != "" {
		if a.verifier == nil {
			return "", ErrInvalidToken
		}
		claims, err := a.verifier.Verify(tok, a.now())
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}

	if a.devMode {
		if uid := strings.TrimSpace(r.Header.Get(devUserHeader)); uid != "" {
			return uid, nil
		}
		if uid := strings.TrimSpace(r.URL.Query().Get("user_id")); uid != "" {
			return uid, nil
		}
	}

	return "", ErrMissingCredentials
}

// Middleware authenticates every request and stores the user id in its context.
// Unauthenticated requests get 401 with a JSON error body.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing or invalid credentials"}}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
	})
}

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKey{}).(string)
	return uid, ok && uid != ""
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
