package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/contextkeys"
	"github.com/keywarden/keywarden/pkg/httputil"
	"github.com/keywarden/keywarden/pkg/observability"
)

// AuthContext carries the authenticated key through the request
type AuthContext struct {
	Record *apikey.KeyRecord
	// SourceIP is the resolved client address used for allowlist checks
	// and usage telemetry
	SourceIP string
}

// Authenticator verifies the presented API key. All authentication failures
// collapse to one generic 401 so the response never reveals whether a key
// exists, is expired, or was revoked; the specific reason goes to the log.
// IP allowlists are enforced separately by RequireAllowedIP.
type Authenticator struct {
	verifier   *apikey.Verifier
	authorizer *apikey.ScopeAuthorizer
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewAuthenticator creates the authentication middleware
func NewAuthenticator(verifier *apikey.Verifier, authorizer *apikey.ScopeAuthorizer, logger *observability.Logger, metrics *observability.Metrics) *Authenticator {
	return &Authenticator{
		verifier:   verifier,
		authorizer: authorizer,
		logger:     logger,
		metrics:    metrics,
	}
}

// ExtractKey pulls the presented secret from the request. Precedence:
// Authorization Bearer, then X-API-Key, then the api_key query parameter.
func ExtractKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if header := r.Header.Get("X-API-Key"); header != "" {
		return strings.TrimSpace(header)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// ClientIP resolves the client address: first hop of X-Forwarded-For, then
// X-Real-IP, then the connection's remote address
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler wraps an HTTP handler with API key authentication
func (m *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := ExtractKey(r)
		sourceIP := ClientIP(r)

		rec, err := m.verifier.Verify(r.Context(), presented)
		if err != nil {
			if apikey.IsAuthFailure(err) {
				m.logger.WithFields(map[string]interface{}{
					"reason":    err.Error(),
					"source_ip": sourceIP,
					"path":      r.URL.Path,
				}).Info("authentication failed")
				m.observeVerification("denied")
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}
			m.logger.WithError(err).Error("key verification failed")
			m.observeVerification("error")
			httputil.WriteInternalError(w, err)
			return
		}

		m.observeVerification("ok")

		ctx := contextkeys.WithAuth(r.Context(), &AuthContext{Record: rec, SourceIP: sourceIP})
		ctx = contextkeys.WithKeyID(ctx, rec.ID)
		ctx = observability.WithKeyID(ctx, rec.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Authenticator) observeVerification(outcome string) {
	if m.metrics != nil {
		m.metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	}
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *AuthContext {
	ctx := r.Context().Value(contextkeys.AuthKey)
	if ctx == nil {
		return nil
	}
	authCtx, ok := ctx.(*AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireAllowedIP enforces the key's source IP allowlist. It runs after
// authentication and after usage recording, so a denied source still leaves
// a usage event behind.
func (m *Authenticator) RequireAllowedIP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}

			if !m.authorizer.IPAllowed(authCtx.Record, authCtx.SourceIP) {
				m.logger.WithFields(map[string]interface{}{
					"key_id":    authCtx.Record.ID,
					"source_ip": authCtx.SourceIP,
				}).Info("source IP not in allowlist")
				if m.metrics != nil {
					m.metrics.IPDenialsTotal.Inc()
				}
				httputil.WriteForbidden(w, "source IP not allowed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope creates middleware that checks for a specific scope
func (m *Authenticator) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}

			if !m.authorizer.HasScope(authCtx.Record, scope) {
				if m.metrics != nil {
					m.metrics.ScopeDenialsTotal.WithLabelValues(scope).Inc()
				}
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireResource creates middleware that checks the scope triple implied by
// the resource and the request method: DELETE needs the delete scope, other
// mutating methods the write scope, reads the read scope
func (m *Authenticator) RequireResource(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}

			isDelete := r.Method == http.MethodDelete
			isMutating := isDelete || r.Method == http.MethodPost ||
				r.Method == http.MethodPut || r.Method == http.MethodPatch

			if !m.authorizer.ResourceAuthorized(authCtx.Record, resource, isMutating, isDelete) {
				if m.metrics != nil {
					m.metrics.ScopeDenialsTotal.WithLabelValues(resource).Inc()
				}
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
