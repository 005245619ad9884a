package profile

import (
	"testing"
)

func TestParseRole(t *testing.T) {
	for _, r := range Roles {
		got, err := ParseRole(string(r))
		if err != nil {
			t.Fatalf("parse %s: %v", r, err)
		}
		if got != r {
			t.Fatalf("expected %s, got %s", r, got)
		}
	}
	if _, err := ParseRole("superuser"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if _, err := ParseRole(""); err == nil {
		t.Fatalf("expected error for empty role")
	}
}

func TestPublicSignupRoles(t *testing.T) {
	allowed := map[Role]bool{RolePassenger: true, RoleRider: true}
	for _, r := range Roles {
		if r.PublicSignup() != allowed[r] {
			t.Fatalf("role %s: expected public signup %v", r, allowed[r])
		}
	}
}

func TestDashboards(t *testing.T) {
	expected := map[Role]string{
		RoleAdmin:      "/admin",
		RoleDispatcher: "/dispatcher",
		RoleGuide:      "/guide",
		RolePassenger:  "/passenger",
		RoleRider:      "/rider",
	}
	for role, path := range expected {
		if got := role.Dashboard(); got != path {
			t.Fatalf("role %s: expected %s, got %s", role, path, got)
		}
	}
	if got := Role("unknown").Dashboard(); got != "/passenger" {
		t.Fatalf("unknown role should land on least privileged dashboard, got %s", got)
	}
}
