package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role      Role
		should    []Permission
		shouldNot []Permission
	}{
		{
			role:      RoleViewer,
			should:    []Permission{PermDeviceRead, PermNotificationRead, PermEmergencyRead, PermAdminChannel},
			shouldNot: []Permission{PermDeviceOperate, PermContentOffer, PermContentDelete, PermEmergencyControl, PermSystemAdmin},
		},
		{
			role:      RoleOperator,
			should:    []Permission{PermDeviceRead, PermDeviceOperate, PermContentOffer, PermEmergencyRead},
			shouldNot: []Permission{PermContentDelete, PermEmergencyControl, PermSystemAdmin},
		},
		{
			role: RoleAdmin,
			should: []Permission{
				PermDeviceRead, PermDeviceOperate, PermContentOffer, PermContentDelete,
				PermNotificationRead, PermEmergencyRead, PermEmergencyControl,
				PermAdminChannel, PermSystemAdmin,
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			for _, perm := range tt.should {
				if !HasPermission(tt.role, perm) {
					t.Errorf("%s should have %s", tt.role, perm)
				}
			}
			for _, perm := range tt.shouldNot {
				if HasPermission(tt.role, perm) {
					t.Errorf("%s should NOT have %s", tt.role, perm)
				}
			}
		})
	}
}

func TestHasPermission_UnknownRole(t *testing.T) {
	if HasPermission(Role("nobody"), PermDeviceRead) {
		t.Error("unknown role should have no permissions")
	}
}

func TestPermissionsForRole(t *testing.T) {
	perms := PermissionsForRole(RoleAdmin)
	if len(perms) == 0 {
		t.Fatal("PermissionsForRole(admin) returned no permissions")
	}

	// Mutating the returned slice must not affect the mapping.
	perms[0] = "tampered"
	if !HasPermission(RoleAdmin, PermDeviceRead) {
		t.Error("PermissionsForRole should return a copy")
	}

	if PermissionsForRole(Role("nobody")) != nil {
		t.Error("unknown role should return nil")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range ValidRoles {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false", r)
		}
	}
	if IsValidRole(Role("panel")) {
		t.Error("panel is not a valid role")
	}
}
