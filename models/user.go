package models

import "time"

// Role is the set of recognized user roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleCustomer Role = "customer"
)

// User represents an end user in the system.
// It maps to the `users` table in SQLite. Role is immutable after creation except by an admin.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Email     string    `db:"email" json:"email"`
	Role      Role      `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
