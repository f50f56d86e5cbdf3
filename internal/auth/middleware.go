package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// LecturerAuth enforces bearer JWT tokens signed with HS256.
func LecturerAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("lecturer_id", claims.Subject)
		c.Next()
	}
}

// LecturerID extracts the authenticated lecturer from the request context.
func LecturerID(c *gin.Context) string {
	id, _ := c.Get("lecturer_id")
	s, _ := id.(string)
	return s
}
