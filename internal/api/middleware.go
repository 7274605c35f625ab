package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"plannersync/internal/models"
)

type contextKey string

const (
	userIDKey  contextKey = "userID"
	sessionKey contextKey = "session"
)

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("Handled request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"requestID", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// identify reads the user id from X-User-ID and an optional bearer access
// token. Requests without a token use fallback as their session.
func identify(fallback models.Session) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-User-ID")
			if raw == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse("missing X-User-ID header"))
				return
			}
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || userID <= 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse("invalid user id"))
				return
			}

			session := fallback
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				token, found := strings.CutPrefix(authHeader, "Bearer ")
				if !found || token == "" {
					writeJSON(w, http.StatusUnauthorized, errorResponse("invalid authorization format"))
					return
				}
				session = models.Session{
					Account: "user-" + raw,
					Token:   &oauth2.Token{AccessToken: token, TokenType: "Bearer"},
				}
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, sessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext returns the user id set by the identify middleware.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

func sessionFromContext(ctx context.Context) models.Session {
	s, _ := ctx.Value(sessionKey).(models.Session)
	return s
}
