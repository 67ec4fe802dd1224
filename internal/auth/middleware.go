package auth

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options configures the middleware from the service configuration.
type Options struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	AccessTTL time.Duration
	Keys      []APIKey
	Logger    *zap.Logger
}

// Middleware authenticates ops API requests.
type Middleware struct {
	verifier *Verifier
	keyring  *Keyring
	enabled  bool
	logger   *zap.Logger
}

// New builds the middleware. Disabled, every request runs as the
// development principal.
func New(opts Options) *Middleware {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		verifier: NewVerifier(opts.JWTSecret, opts.Issuer, opts.AccessTTL),
		keyring:  NewKeyring(opts.Keys),
		enabled:  opts.Enabled,
		logger:   logger.Named("auth"),
	}
}

// Verifier exposes the token minter for the daemon's issue-token flow.
func (m *Middleware) Verifier() *Verifier { return m.verifier }

// Wrap authenticates the request and injects the principal. API keys are
// checked before bearer tokens so a client sending both fails fast on a
// revoked key.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), DevPrincipal())))
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			p, err := m.keyring.Lookup(key)
			if err != nil {
				m.deny(w, r, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if header := r.Header.Get("Authorization"); header != "" {
			token, err := ExtractBearerToken(header)
			if err != nil {
				m.deny(w, r, "invalid authorization header")
				return
			}
			p, err := m.verifier.Verify(token)
			if err != nil {
				m.deny(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		// EventSource cannot set request headers, so stream endpoints
		// accept the key as a query parameter.
		if strings.HasPrefix(r.URL.Path, "/stream/") {
			if key := r.URL.Query().Get("api_key"); key != "" {
				p, err := m.keyring.Lookup(key)
				if err != nil {
					m.deny(w, r, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
		}

		m.deny(w, r, "authentication required")
	})
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, msg string) {
	m.logger.Debug("request rejected",
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr),
		zap.String("reason", msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
