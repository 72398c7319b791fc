package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

// ImageHandler lists image metadata.
type ImageHandler struct {
	Store  *store.Store
	Logger zerolog.Logger
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(s *store.Store, logger zerolog.Logger) *ImageHandler {
	return &ImageHandler{Store: s, Logger: logger}
}

// GetImages lists the images of one visit, newest first.
func (h *ImageHandler) GetImages(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	if c.Query("visit_id") == "" {
		utils.BadRequest(c, "visit_id is required")
		return
	}
	visitID, ok := uuidQuery(c, "visit_id", "Visit")
	if !ok {
		return
	}

	var images []models.Image
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		var visit models.Visit
		if err := tx.Scopes(store.OwnedBy(doctorID)).Select("id").First(&visit, "id = ?", visitID).Error; err != nil {
			return store.NotFound(err)
		}
		return tx.Scopes(store.OwnedBy(doctorID)).Where("visit_id = ?", visitID).
			Order("created_at desc").Find(&images).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Visit not found")
		return
	}

	utils.Success(c, "Images fetched successfully", images)
}
