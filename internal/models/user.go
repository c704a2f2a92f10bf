package models

import (
	"time"
)

// UserSummary is returned by GET /auth/users/me/.
type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// User is a directory account as held by the development identity server.
type User struct {
	UserSummary
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u *User) Summary() *UserSummary {
	s := u.UserSummary
	return &s
}
