package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Davincible/chat-gateway/internal/config"
)

var (
	errNoToken   = errors.New("no authentication token provided")
	errBadAPIKey = errors.New("invalid API key")
)

type AuthMiddleware struct {
	config *config.Manager
	logger *slog.Logger
}

func NewAuthMiddleware(config *config.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	am := &AuthMiddleware{
		config: config,
		logger: logger,
	}

	return am.middleware
}

func (am *AuthMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := am.authenticate(r); err != nil {
			am.logger.Warn("Authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="chat-gateway"`)
			http.Error(w, "gateway API key not authorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate accepts the gateway key as a bearer token or in X-API-Key. An
// empty configured key disables authentication.
func (am *AuthMiddleware) authenticate(r *http.Request) error {
	key := am.config.Get().APIKey
	if key == "" {
		return nil
	}

	var token string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else {
		token = r.Header.Get("X-API-Key")
	}

	if token == "" {
		return errNoToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
		return errBadAPIKey
	}

	return nil
}
