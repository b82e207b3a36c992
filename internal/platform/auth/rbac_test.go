package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(context.Background(), "user-1", roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles(RoleProvider)
	if err := RequireRole(RoleProvider)(okHandler)(c); err != nil {
		t.Fatalf("expected access, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRoles(RolePatient)
	err := RequireRole(RoleProvider)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRoles(RoleAdmin)
	if err := RequireRole(RoleProvider)(okHandler)(c); err != nil {
		t.Fatalf("expected admin access, got %v", err)
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{RoleProvider}, []string{RoleProvider, RolePatient}, true},
		{[]string{RolePatient}, []string{RoleProvider}, false},
		{nil, []string{RoleProvider}, false},
		{[]string{RoleAdmin}, []string{RolePatient}, true},
	}
	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "prov-1", nil)
	if got := UserIDFromContext(ctx); got != "prov-1" {
		t.Errorf("expected prov-1, got %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
