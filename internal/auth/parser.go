package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/monkeysworks/settlement/internal/model"
)

type Parser struct {
	secret []byte
}

func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret)}
}

type claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Parse validates an HS256 access token and returns the caller principal.
func (p *Parser) Parse(tokenString string) (model.Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return model.Principal{}, err
	}
	if !token.Valid {
		return model.Principal{}, fmt.Errorf("invalid token")
	}

	userID, err := uuid.Parse(strings.TrimSpace(c.UserID))
	if err != nil {
		return model.Principal{}, fmt.Errorf("invalid user_id claim: %w", err)
	}

	role := model.Role(strings.ToUpper(strings.TrimSpace(c.Role)))
	switch role {
	case model.RoleClient, model.RoleFreelancer, model.RoleAdmin:
	default:
		return model.Principal{}, fmt.Errorf("unknown role claim: %q", c.Role)
	}

	return model.Principal{
		UserID: userID,
		Role:   role,
		Email:  c.Email,
	}, nil
}
