package api

import (
	"net/http"
	"strings"

	"catenary/internal/auth"
)

type Principal struct {
	Tenant string
	Role   string // admin or user
}

const defaultTenant = "t_demo"

// getPrincipal extracts tenant and role from the bearer token. In dev mode a
// request without a token falls back to the X-Tenant-Id and X-Role headers.
func (s *Server) getPrincipal(r *http.Request) (Principal, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		pr, err := s.Auth.Verify(tok)
		if err != nil {
			return Principal{}, false
		}
		return Principal{Tenant: pr.Tenant, Role: pr.Role}, true
	}
	if s.Auth != nil && s.Auth.Mode != auth.ModeDev {
		return Principal{}, false
	}
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = defaultTenant
	}
	role := strings.ToLower(r.Header.Get("X-Role"))
	if role == "" {
		role = "admin"
	}
	return Principal{Tenant: tenant, Role: role}, true
}

// principal is getPrincipal that answers 401 itself.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := s.getPrincipal(r)
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token", r.URL.Path)
	}
	return p, ok
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
