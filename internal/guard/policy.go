// Package guard gates page routes by session and role.
package guard

import (
	"net/url"
	"sort"
	"strings"

	"github.com/dagz55/gotryke-auth/internal/profile"
)

// Decision is the outcome of a guard check. Redirect is set when Allow is false.
type Decision struct {
	Allow    bool
	Redirect string
}

// Policy is the static route configuration.
type Policy struct {
	// EntryPath is where unauthenticated visitors are sent.
	EntryPath string
	// AuthPages are the sign-in/sign-up pages; authenticated visitors are
	// sent to their dashboard instead.
	AuthPages []string
	// Routes maps a path to the roles allowed on it and below it.
	Routes map[string][]profile.Role
}

// DefaultPolicy returns the application's route table.
func DefaultPolicy() Policy {
	all := profile.Roles
	return Policy{
		EntryPath: "/",
		AuthPages: []string{"/", "/login", "/signup", "/reset-pin"},
		Routes: map[string][]profile.Role{
			"/admin":      {profile.RoleAdmin},
			"/dispatcher": {profile.RoleDispatcher, profile.RoleAdmin},
			"/guide":      {profile.RoleGuide, profile.RoleAdmin},
			"/passenger":  {profile.RolePassenger, profile.RoleAdmin},
			"/rider":      {profile.RoleRider},
			"/profile":    all,
			"/settings":   all,
		},
	}
}

// Applies reports whether the guard has an opinion about path.
func (p Policy) Applies(path string) bool {
	if p.isAuthPage(path) {
		return true
	}
	_, ok := p.lookup(path)
	return ok
}

// Decide applies the policy. It performs no I/O.
func (p Policy) Decide(path string, authenticated bool, role profile.Role) Decision {
	if !authenticated {
		if _, protected := p.lookup(path); protected {
			return Decision{Redirect: p.EntryPath + "?redirectTo=" + url.QueryEscape(path)}
		}
		return Decision{Allow: true}
	}
	if !role.Valid() {
		role = profile.LeastPrivileged
	}
	if p.isAuthPage(path) {
		return Decision{Redirect: role.Dashboard()}
	}

	// Area prefixes are checked before the table and win over it.
	if allowed, matched := areaCheck(path, role); matched {
		return p.outcome(allowed, path, role)
	}
	roles, ok := p.lookup(path)
	if !ok {
		return Decision{Allow: true}
	}
	for _, r := range roles {
		if r == role {
			return Decision{Allow: true}
		}
	}
	return p.outcome(false, path, role)
}

func (p Policy) outcome(allowed bool, path string, role profile.Role) Decision {
	if allowed {
		return Decision{Allow: true}
	}
	dash := role.Dashboard()
	if underPrefix(path, dash) {
		// never bounce a user off their own dashboard
		return Decision{Allow: true}
	}
	return Decision{Redirect: dash}
}

func (p Policy) isAuthPage(path string) bool {
	for _, page := range p.AuthPages {
		if path == page {
			return true
		}
	}
	return false
}

// lookup finds the roles for path: exact match first, then the longest
// matching prefix.
func (p Policy) lookup(path string) ([]profile.Role, bool) {
	if roles, ok := p.Routes[path]; ok {
		return roles, true
	}
	prefixes := make([]string, 0, len(p.Routes))
	for prefix := range p.Routes {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if underPrefix(path, prefix) {
			return p.Routes[prefix], true
		}
	}
	return nil, false
}

func areaCheck(path string, role profile.Role) (allowed, matched bool) {
	switch {
	case underPrefix(path, "/admin"):
		return adminArea(role), true
	case underPrefix(path, "/dispatcher"):
		return dispatcherArea(role), true
	case underPrefix(path, "/rider"):
		return riderArea(role), true
	}
	return false, false
}

func adminArea(r profile.Role) bool {
	switch r {
	case profile.RoleAdmin:
		return true
	case profile.RoleDispatcher, profile.RoleGuide, profile.RolePassenger, profile.RoleRider:
		return false
	}
	return false
}

func dispatcherArea(r profile.Role) bool {
	switch r {
	case profile.RoleAdmin, profile.RoleDispatcher:
		return true
	case profile.RoleGuide, profile.RolePassenger, profile.RoleRider:
		return false
	}
	return false
}

func riderArea(r profile.Role) bool {
	switch r {
	case profile.RoleRider:
		return true
	case profile.RoleAdmin, profile.RoleDispatcher, profile.RoleGuide, profile.RolePassenger:
		return false
	}
	return false
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}
