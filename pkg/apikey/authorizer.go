package apikey

// ScopeAuthorizer evaluates scope membership, IP allowlists, and
// resource-to-scope mapping against an authenticated key record. It is
// stateless apart from the scope registry used to recognize resources.
type ScopeAuthorizer struct {
	registry *ScopeRegistry
}

// NewScopeAuthorizer creates an authorizer over the given registry
func NewScopeAuthorizer(registry *ScopeRegistry) *ScopeAuthorizer {
	return &ScopeAuthorizer{registry: registry}
}

// HasScope reports whether the record grants the requested scope.
// "admin" implies every scope.
func (a *ScopeAuthorizer) HasScope(rec *KeyRecord, scope string) bool {
	for _, s := range rec.Scopes {
		if s == ScopeAdmin || s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the record grants at least one of the
// requested scopes
func (a *ScopeAuthorizer) HasAnyScope(rec *KeyRecord, scopes ...string) bool {
	for _, scope := range scopes {
		if a.HasScope(rec, scope) {
			return true
		}
	}
	return false
}

// IPAllowed reports whether a resolved source IP may use the record.
// An empty allowlist means unrestricted. The caller owns resolving the
// source address (forwarded-for first hop, else connection address); this
// check only consumes the resolved string.
func (a *ScopeAuthorizer) IPAllowed(rec *KeyRecord, sourceIP string) bool {
	if len(rec.AllowedIPs) == 0 {
		return true
	}
	for _, ip := range rec.AllowedIPs {
		if ip == sourceIP {
			return true
		}
	}
	return false
}

// ResourceAuthorized maps a logical resource name to its scope triple and
// checks the operation class: reads need the resource's read scope or the
// generic read scope, mutations the write scope, deletes the delete scope;
// admin satisfies everything. Resource names the registry does not know
// fall back to the generic scopes only.
func (a *ScopeAuthorizer) ResourceAuthorized(rec *KeyRecord, resource string, isMutating, isDelete bool) bool {
	read, write, del := ResourceScopes(resource)
	known := a.registry != nil &&
		(a.registry.Recognized(read) || a.registry.Recognized(write) || a.registry.Recognized(del))

	switch {
	case isDelete:
		if known && a.HasScope(rec, del) {
			return true
		}
		return a.HasScope(rec, ScopeDelete)
	case isMutating:
		if known && a.HasScope(rec, write) {
			return true
		}
		return a.HasScope(rec, ScopeWrite)
	default:
		if known && a.HasScope(rec, read) {
			return true
		}
		return a.HasScope(rec, ScopeRead)
	}
}
