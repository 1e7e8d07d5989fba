// Package schema defines the canonical entities carried across the streambid stack.
package schema

import "time"

// Role names a capability granted to a user.
type Role string

const (
	// RoleBuyer permits bidding and purchasing.
	RoleBuyer Role = "buyer"
	// RoleSeller permits hosting channels and running auctions.
	RoleSeller Role = "seller"
)

// User is a platform identity. The id is immutable after signup.
type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Roles       []Role    `json:"roles"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasRole reports whether the user carries the given role.
func (u User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
