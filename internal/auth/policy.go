package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Policy maps a role to the user ids holding it.
//
//	roles:
//	  admin: [user-1]
//	  staff: [user-2, user-3]
type Policy struct {
	Roles map[string][]string `yaml:"roles"`

	index map[string]map[string]bool
}

// LoadPolicy reads the role table. A missing file yields an empty policy,
// which grants no roles.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ParsePolicy(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read role policy: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("parse role policy: %w", err)
	}
	p.index = make(map[string]map[string]bool, len(p.Roles))
	for role, users := range p.Roles {
		set := make(map[string]bool, len(users))
		for _, u := range users {
			set[u] = true
		}
		p.index[role] = set
	}
	return p, nil
}

// HasRole reports whether userID holds any of roles. Admins hold every role.
func (p *Policy) HasRole(userID string, roles ...string) bool {
	if p == nil || userID == "" {
		return false
	}
	if p.index[RoleAdmin][userID] {
		return true
	}
	for _, r := range roles {
		if p.index[r][userID] {
			return true
		}
	}
	return false
}

// RequireRole lets the request through only for callers holding one of
// roles. It must run after Verifier.Middleware.
func (p *Policy) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			if !p.HasRole(id.UserID, roles...) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
