package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the platform role of a user account.
type Role string

const (
	RoleTeacher     Role = "teacher"
	RoleAdmin       Role = "admin"
	RoleSchoolAdmin Role = "school_admin"
)

// User is a platform account. Password holds the bcrypt hash, never exposed.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	FullName  string    `json:"fullName"`
	Role      Role      `json:"role"`
	School    string    `json:"school,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserPublic is the user shape returned by the API.
type UserPublic struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Role      Role      `json:"role"`
	School    string    `json:"school,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToPublic strips private fields.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      u.Role,
		School:    u.School,
		Subject:   u.Subject,
		CreatedAt: u.CreatedAt,
	}
}
