package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermStatusRead, true},
		{RoleViewer, PermViaTagsRead, true},
		{RoleViewer, PermViaTagsManage, false},
		{RoleViewer, PermBusWrite, false},
		{RoleOperator, PermBusWrite, true},
		{RoleOperator, PermViaTagsManage, false},
		{RoleOperator, PermAuditRead, false},
		{RoleAdmin, PermViaTagsManage, true},
		{RoleAdmin, PermAuditRead, true},
		{Role("owner"), PermStatusRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole_ReturnsCopy(t *testing.T) {
	perms := PermissionsForRole(RoleViewer)
	if len(perms) == 0 {
		t.Fatal("viewer has no permissions")
	}
	perms[0] = PermAuditRead
	if HasPermission(RoleViewer, PermAuditRead) {
		t.Error("modifying the returned slice changed the role table")
	}
	if PermissionsForRole("nobody") != nil {
		t.Error("unknown role should have nil permissions")
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"viewer", "operator", "admin"} {
		if _, err := ParseRole(s); err != nil {
			t.Errorf("ParseRole(%q) error = %v", s, err)
		}
	}
	if _, err := ParseRole("Admin"); err == nil {
		t.Error("ParseRole is case-sensitive")
	}
}
