package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"escrow-order-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextActorKey holds the authenticated service.Actor in gin.Context
const ContextActorKey = "actor"

var errInvalidClaims = errors.New("token has no valid user")

// Claims carried by access tokens
type Claims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager verifies HS256 access tokens issued by the identity service
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a token manager for the shared secret
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// Issue signs a token; the identity service does this in production
func (m *TokenManager) Issue(userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies a token and returns the actor it identifies
func (m *TokenManager) Parse(token string) (service.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return service.Actor{}, err
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return service.Actor{}, errInvalidClaims
	}

	switch claims.Role {
	case "admin":
		return service.Actor{UserID: claims.UserID, Role: service.RoleAdmin}, nil
	case "", "user", "buyer", "seller":
		return service.Actor{UserID: claims.UserID, Role: service.RoleUser}, nil
	}
	return service.Actor{}, errInvalidClaims
}

// AuthMiddleware requires a valid bearer token
func AuthMiddleware(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		actor, err := tokens.Parse(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// AdminOnly rejects non-admin actors
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor, ok := currentActor(c); !ok || !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
				"code":  service.CodeUnauthorized,
			})
			return
		}
		c.Next()
	}
}

func currentActor(c *gin.Context) (service.Actor, bool) {
	v, ok := c.Get(ContextActorKey)
	if !ok {
		return service.Actor{}, false
	}
	actor, ok := v.(service.Actor)
	return actor, ok
}
