package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

// ProfileHandler serves the authenticated doctor's own record.
type ProfileHandler struct {
	Store  *store.Store
	Logger zerolog.Logger
}

// NewProfileHandler creates a new ProfileHandler.
func NewProfileHandler(s *store.Store, logger zerolog.Logger) *ProfileHandler {
	return &ProfileHandler{Store: s, Logger: logger}
}

// UpdateProfileRequest represents the request body for updating the profile.
type UpdateProfileRequest struct {
	FullName  *string `json:"full_name" validate:"omitempty,max=200"`
	Specialty *string `json:"specialty" validate:"omitempty,max=120"`
}

// GetProfile returns the doctor's profile.
func (h *ProfileHandler) GetProfile(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}

	var doctor models.Doctor
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		return store.NotFound(tx.First(&doctor, "id = ?", doctorID).Error)
	})
	if err != nil {
		storeError(c, h.Logger, err, "Doctor profile not found")
		return
	}

	utils.Success(c, "Profile fetched successfully", doctor)
}

// UpdateProfile changes the doctor's display name and specialty.
func (h *ProfileHandler) UpdateProfile(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	updates := map[string]interface{}{}
	if req.FullName != nil {
		updates["full_name"] = *req.FullName
	}
	if req.Specialty != nil {
		updates["specialty"] = *req.Specialty
	}
	if len(updates) == 0 {
		utils.BadRequest(c, "No fields to update")
		return
	}

	var doctor models.Doctor
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		if err := tx.First(&doctor, "id = ?", doctorID).Error; err != nil {
			return store.NotFound(err)
		}
		if err := tx.Model(&doctor).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&doctor, "id = ?", doctorID).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Doctor profile not found")
		return
	}

	utils.Success(c, "Profile updated successfully", doctor)
}
