package middleware

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware validates the Bearer token issued by the user service and
// stores the caller's user id on the gin context under "user_id".
func AuthMiddleware() gin.HandlerFunc {
	secret := []byte(getEnv("JWT_SECRET", "your-secret-key-change-in-production"))

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "Missing or malformed authorization header"})
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(401, gin.H{"error": "Invalid token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			c.Set("user_id", userIDFromClaims(claims))
		}

		c.Next()
	}
}

// RequireAPIKey guards the notification endpoints with the shared key the
// payment side sends in X-API-Key. Requests without a valid key never reach
// the reconciler.
func RequireAPIKey() gin.HandlerFunc {
	expected := []byte(getEnv("WEBHOOK_API_KEY", "change-me-webhook-key"))

	return func(c *gin.Context) {
		key := []byte(c.GetHeader("X-API-Key"))
		if subtle.ConstantTimeCompare(key, expected) != 1 {
			c.AbortWithStatusJSON(401, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

// userIDFromClaims tolerates both string ids and the numeric ids older
// tokens carry.
func userIDFromClaims(claims jwt.MapClaims) string {
	switch v := claims["user_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}
