package model

import "github.com/google/uuid"

type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleFreelancer Role = "FREELANCER"
	RoleAdmin      Role = "ADMIN"
)

// Principal is the authenticated caller extracted from the access token.
type Principal struct {
	UserID uuid.UUID
	Role   Role
	Email  string
}

func (p Principal) IsClient() bool     { return p.Role == RoleClient }
func (p Principal) IsFreelancer() bool { return p.Role == RoleFreelancer }
func (p Principal) IsAdmin() bool      { return p.Role == RoleAdmin }
