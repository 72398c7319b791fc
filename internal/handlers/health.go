package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Root reports that the API is up.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "API running",
		"message": "Urine sediment analysis service",
	})
}

// Health is the liveness probe.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
