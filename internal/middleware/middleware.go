// Package middleware holds the small gin middleware chain cmd/server wires
// in front of the admin API: CORS and panic recovery.
package middleware

import (
	"log"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS permits cross-origin requests from any origin, matching the
// teacher's permissive admin-UI convention.
func CORS() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	return cors.New(cfg)
}

// Recovery logs a panic recovered mid-request and responds 500 instead of
// crashing the process.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Printf("httpapi: recovered from panic: %v", recovered)
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
