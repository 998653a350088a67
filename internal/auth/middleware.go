package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const callerContextKey contextKey = "sentinelops_caller"

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(Caller)
	return c, ok
}

// Middleware accepts a bearer token or, failing that, the session cookie
// set by the login handler.
func Middleware(svc *Service, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" && cookieName != "" {
				if c, err := r.Cookie(cookieName); err == nil {
					token = c.Value
				}
			}
			if token == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			claims, err := svc.ParseToken(token)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.Caller())))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
