package identity

import "testing"

func TestRoleValidate(t *testing.T) {
	tests := []struct {
		role    Role
		wantErr bool
	}{
		{RoleAdmin, false},
		{RoleUser, false},
		{"", true},
		{"superuser", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			err := tt.role.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	if !(User{Username: "root", Role: RoleAdmin}).IsAdmin() {
		t.Error("admin user not reported as admin")
	}
	if (User{Username: "jane", Role: RoleUser}).IsAdmin() {
		t.Error("regular user reported as admin")
	}
}
