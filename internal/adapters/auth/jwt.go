// Package auth verifies the HS256 tokens peers present when they connect
// and derives the roles they start with.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token payload. Roles holds role names such as "publisher".
type Claims struct {
	Name    string   `json:"name,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity is who a connection claims to be once its token checks out.
// Anonymous identities carry the client token cookie as Subject, if any.
type Identity struct {
	Subject   string
	Profile   domain.Profile
	Roles     domain.Role
	Anonymous bool
}

type Verifier struct {
	secret   []byte
	required bool
}

func NewVerifier(secret string, required bool) *Verifier {
	return &Verifier{secret: []byte(secret), required: required}
}

func (v *Verifier) Required() bool { return v.required }

// Verify checks signature and expiry of token.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		Subject: claims.Subject,
		Profile: domain.Profile{
			DisplayName: claims.Name,
			Picture:     claims.Picture,
			Email:       claims.Email,
		},
		Roles: parseClaimRoles(claims.Roles),
	}, nil
}

// Identify is Verify that lets an empty token through as anonymous when
// tokens are optional.
func (v *Verifier) Identify(token string) (Identity, error) {
	if token == "" && !v.required {
		return Identity{Anonymous: true}, nil
	}
	return v.Verify(token)
}

// Issue signs a token for id. Used by tooling and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:    id.Profile.DisplayName,
		Picture: id.Profile.Picture,
		Email:   id.Profile.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, r := range id.Roles.List() {
		claims.Roles = append(claims.Roles, r.String())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func parseClaimRoles(names []string) domain.Role {
	var out domain.Role
	for _, n := range names {
		r, err := domain.ParseRole(n)
		if err != nil {
			log.Debug().Str("module", "auth").Str("role", n).Msg("ignoring unknown role claim")
			continue
		}
		out |= r
	}
	return out
}

// InitialRoles is what a peer holds when it enters a room: the configured
// defaults plus its token roles. OWNER is only ever granted to the subject
// that owns the room, who also gets MODERATOR.
func InitialRoles(id Identity, ownerSubject string, defaults domain.Role) domain.Role {
	roles := (defaults | id.Roles) &^ domain.RoleOwner
	if ownerSubject != "" && id.Subject == ownerSubject {
		roles |= domain.RoleOwner | domain.RoleModerator
	}
	return roles | domain.RoleBaseline
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browsers opening websockets, from the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware stores the caller's Identity in the gin context and rejects
// bad tokens with 401. It must run after the client token middleware.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.Identify(TokenFromRequest(c.Request))
		if err != nil {
			log.Debug().Str("module", "auth").Err(err).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		if id.Anonymous {
			id.Subject = c.GetString("client_token")
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// FromContext returns the Identity stored by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
