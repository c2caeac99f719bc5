package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"
)

type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

// canTenantAction reports whether p may perform action ("read", "submit" or
// "cancel") on jobs of tenant.
func (p principal) canTenantAction(tenant, action string) bool {
	if p.hasScope("operator") || p.hasScope("admin") {
		return true
	}
	if tenant == "" {
		tenant = "default"
	}
	if !p.hasScope("tenant:*") && !p.hasScope("tenant:"+tenant) {
		return false
	}
	if p.hasScope("role:tenant-reader") {
		return action == "read"
	}
	if !p.hasScope("job:read") && !p.hasScope("job:submit") && !p.hasScope("job:cancel") {
		return true
	}
	switch action {
	case "read":
		return p.hasScope("job:read") || p.hasScope("job:submit") || p.hasScope("job:cancel")
	case "submit":
		return p.hasScope("job:submit")
	case "cancel":
		return p.hasScope("job:cancel") || p.hasScope("job:submit")
	default:
		return false
	}
}

type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

// newAuthorizerFromEnv reads WFCORE_API_TOKENS ("token:scope|scope,...").
// Without tokens every request is allowed.
func newAuthorizerFromEnv() *authorizer {
	roleScopes := defaultRoleScopes()
	for role, scopes := range parseRoleScopes(strings.TrimSpace(os.Getenv("WFCORE_API_ROLES"))) {
		roleScopes[role] = scopes
	}
	tokenRoles := parseTokenRoles(strings.TrimSpace(os.Getenv("WFCORE_API_TOKEN_ROLES")))
	raw := strings.TrimSpace(os.Getenv("WFCORE_API_TOKENS"))
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		if token == "" {
			continue
		}
		scopes := splitSet(parts[1])
		for _, role := range tokenRoles[token] {
			scopes["role:"+role] = struct{}{}
			for scope := range roleScopes[role] {
				scopes[scope] = struct{}{}
			}
		}
		if len(scopes) == 0 {
			continue
		}
		tokens[token] = principal{id: tokenID(token), scopes: scopes}
	}
	return &authorizer{enabled: len(tokens) > 0, tokens: tokens}
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	if a == nil || !a.enabled {
		return principal{id: "anonymous", scopes: map[string]struct{}{"operator": {}}}, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	if len(requiredAny) == 0 {
		return p, http.StatusOK, ""
	}
	for _, scope := range requiredAny {
		if p.hasScope(scope) {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-WFCore-Token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}

func splitSet(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range strings.Split(raw, "|") {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// parseRoleScopes reads "role=scope|scope,role=...".
func parseRoleScopes(raw string) map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{}
	for _, e := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(e), "=", 2)
		if len(parts) != 2 {
			continue
		}
		role := strings.TrimSpace(parts[0])
		scopes := splitSet(parts[1])
		if role != "" && len(scopes) > 0 {
			out[role] = scopes
		}
	}
	return out
}

// parseTokenRoles reads "token=role|role,token=...".
func parseTokenRoles(raw string) map[string][]string {
	out := map[string][]string{}
	for _, e := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(e), "=", 2)
		if len(parts) != 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		if token == "" {
			continue
		}
		for r := range splitSet(parts[1]) {
			out[token] = append(out[token], r)
		}
	}
	return out
}

func defaultRoleScopes() map[string]map[string]struct{} {
	mk := func(vals ...string) map[string]struct{} {
		out := map[string]struct{}{}
		for _, v := range vals {
			out[v] = struct{}{}
		}
		return out
	}
	return map[string]map[string]struct{}{
		"admin":         mk("operator", "metrics", "admin", "tenant:*", "job:submit", "job:read", "job:cancel", "cache:invalidate"),
		"ops":           mk("operator", "metrics", "cache:invalidate"),
		"engine":        mk("engine:callback"),
		"tenant-runner": mk("job:submit", "job:read", "job:cancel"),
		"tenant-reader": mk("job:read"),
	}
}
