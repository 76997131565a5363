package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	CtxUserIDKey = "user_id"
	CtxRoleKey   = "role"
)

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

// RequireAuth: Authorization: Bearer <token> を検証して context に sub/role を詰める
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing Authorization header")
			return
		}

		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid Authorization header")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "empty token")
			return
		}

		claims, err := ParseToken(secret, tokenStr)
		if err != nil {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}

		c.Set(CtxUserIDKey, claims.Subject)
		c.Set(CtxRoleKey, claims.Role)
		c.Next()
	}
}

// RequireRule: 指定した権限をすべて持つ場合のみ通す
func RequireRule(rules ...Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
			return
		}
		for _, r := range rules {
			if !actor.Has(r) {
				abort(c, http.StatusForbidden, "FORBIDDEN", "missing capability "+string(r))
				return
			}
		}
		c.Next()
	}
}

// ActorFrom は RequireAuth が詰めた値から Actor を組み立てる
func ActorFrom(c *gin.Context) (Actor, bool) {
	id := c.GetString(CtxUserIDKey)
	role := c.GetString(CtxRoleKey)
	if id == "" || role == "" {
		return Actor{}, false
	}
	return NewActor(id, role), true
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func ParseToken(secret []byte, tokenStr string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return &claims, nil
}
