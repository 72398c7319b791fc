package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sediment-server/internal/middleware"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

// requireDoctor returns the authenticated doctor or answers 401.
func requireDoctor(c *gin.Context) (string, bool) {
	doctorID, exists := middleware.GetDoctorIDFromContext(c)
	if !exists || doctorID == "" {
		utils.Unauthorized(c, "Doctor ID not found in token")
		return "", false
	}
	return doctorID, true
}

// uuidParam reads a UUID path parameter or answers 400.
func uuidParam(c *gin.Context, name, label string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		utils.BadRequest(c, "Invalid "+label+" ID format")
		return "", false
	}
	return id, true
}

// uuidQuery reads an optional UUID query parameter. Present but malformed answers 400.
func uuidQuery(c *gin.Context, name, label string) (string, bool) {
	id := c.Query(name)
	if id == "" {
		return "", true
	}
	if _, err := uuid.Parse(id); err != nil {
		utils.BadRequest(c, "Invalid "+label+" ID format")
		return "", false
	}
	return id, true
}

// storeError writes the response for an error returned from a scoped transaction.
func storeError(c *gin.Context, logger zerolog.Logger, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.NotFound(c, notFound)
	case errors.Is(err, store.ErrCodeConflict):
		utils.Conflict(c, "Could not assign a patient code, please retry")
	case errors.Is(err, store.ErrInvalidPrincipal):
		utils.Unauthorized(c, "Invalid doctor identity")
	default:
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("database operation failed")
		_ = c.Error(err)
		utils.InternalServerError(c, "Database error")
	}
}
