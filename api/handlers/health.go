package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck is a liveness probe; it never touches the engine so it stays
// fast even while every account is reconnecting.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
