package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

// APIKeyContextKey stores the bearer token presented on this request.
const APIKeyContextKey contextKey = "api_key"

// AuthMiddleware gates requests behind a single configured dashboard
// token. A zero-value token disables the guard entirely.
type AuthMiddleware struct {
	logger    zerolog.Logger
	headerKey string
	token     string
}

// NewAuthMiddleware creates a new dashboard auth guard. headerKey
// defaults to "Authorization"; token is the expected bearer value -
// when empty, Handler passes every request through unchecked.
func NewAuthMiddleware(logger zerolog.Logger, headerKey, token string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		headerKey: headerKey,
		token:     token,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"error":"missing authentication","message":"Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		presented := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			presented = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(am.token)) != 1 {
			am.logger.Warn().Str("path", r.URL.Path).Msg("dashboard auth rejected")
			http.Error(w, `{"error":"invalid authentication","message":"token does not match"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, presented)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAPIKey extracts the bearer token from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}
