// Package auth verifies callers of the ops API. Two credentials are
// accepted: HS256 bearer tokens minted by the daemon and static API keys
// whose bcrypt hashes live in the service configuration. Successful
// verification attaches a Principal to the request context.
package auth

import "context"

// Scopes gate the sensitive corners of the API.
const (
	ScopePlansExecute   = "plans:execute"
	ScopeAgentsManage   = "agents:manage"
	ScopeWorkflowsWrite = "workflows:write"
	ScopeClustersManage = "clusters:manage"
	ScopeQuotasRead     = "quotas:read"
	ScopeEventsWrite    = "events:write"
)

// AllScopes returns every scope the API defines.
func AllScopes() []string {
	return []string{
		ScopePlansExecute,
		ScopeAgentsManage,
		ScopeWorkflowsWrite,
		ScopeClustersManage,
		ScopeQuotasRead,
		ScopeEventsWrite,
	}
}

// Principal is the authenticated caller bound to a request. The three
// identifiers line up with the quota hierarchy.
type Principal struct {
	UserID     string   `json:"userId"`
	TeamID     string   `json:"teamId,omitempty"`
	OrgID      string   `json:"orgId,omitempty"`
	Name       string   `json:"name,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	FromAPIKey bool     `json:"fromApiKey,omitempty"`
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// DevPrincipal is the implied caller when authentication is disabled.
func DevPrincipal() *Principal {
	return &Principal{UserID: "dev", Name: "dev", Scopes: AllScopes()}
}

// ContextKey is the key type for request context values.
type ContextKey string

// PrincipalContextKey holds the *Principal of an authenticated request.
const PrincipalContextKey ContextKey = "principal"

// WithPrincipal binds the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFrom extracts the principal. The second return is false when
// the request never passed through the middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok
}
