package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agent-chat/internal/service"
)

const resourceIDKey = "resource_id"

// ResourceMiddleware resuelve el recurso dueño de los hilos. Sin JWT configurado todas las
// solicitudes usan defaultResource; con JWT se exige un bearer token valido.
func ResourceMiddleware(jwtSvc *service.JWTService, defaultResource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSvc == nil {
			c.Set(resourceIDKey, defaultResource)
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		token := strings.TrimSpace(header[len("Bearer "):])
		claims, err := jwtSvc.ParseAccessToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(resourceIDKey, claims.ResourceID)
		c.Next()
	}
}

// GetResourceID obtiene el recurso resuelto por ResourceMiddleware.
func GetResourceID(c *gin.Context) string {
	return c.GetString(resourceIDKey)
}
