package model

import (
	"strings"
	"time"
)

// Role is the access role of a user.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleInstructor Role = "INSTRUCTOR"
	RoleManager    Role = "MANAGER"
	RoleEmployee   Role = "EMPLOYEE"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleManager, RoleEmployee:
		return true
	}
	return false
}

// ParseRole normalizes raw input ("instructor", " MANAGER ") into a Role.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	return r, r.Valid()
}

type User struct {
	ID                       uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                     string     `gorm:"size:160;not null" json:"name"`
	Email                    string     `gorm:"size:255;not null;uniqueIndex" json:"email"`
	DepartmentCode           *string    `gorm:"size:32;index" json:"departmentCode,omitempty"`
	Role                     Role       `gorm:"size:16;not null;default:'EMPLOYEE'" json:"role"`
	Active                   bool       `gorm:"not null;default:true" json:"active"`
	AuthUserID               *string    `gorm:"size:64" json:"authUserId,omitempty"`
	PasswordResetRequestedAt *time.Time `json:"passwordResetRequestedAt,omitempty"`
	CreatedAt                time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt                time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// Instructor is derived from User.Role: a row exists iff the user is an INSTRUCTOR.
type Instructor struct {
	UserID      uint64    `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Bio         *string   `gorm:"type:text" json:"bio,omitempty"`
	Specialties []string  `gorm:"type:text;serializer:json" json:"specialties"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Instructor) TableName() string { return "instructors" }
