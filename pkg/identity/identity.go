// Package identity describes the caller of an execution operation.
// Credentials are issued elsewhere; this package only models the resolved caller.
package identity

import "fmt"

// Role is the platform role of a user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Validate checks if the role is known.
func (r Role) Validate() error {
	switch r {
	case RoleAdmin, RoleUser:
		return nil
	default:
		return fmt.Errorf("invalid role: %s", r)
	}
}

// User is an authenticated caller.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin returns true if the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
