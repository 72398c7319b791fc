package handlers

import (
	"errors"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

// StorageHandler issues short-lived read URLs for stored images.
type StorageHandler struct {
	Store   *store.Store
	Objects storage.ObjectStore
	Bucket  string
	TTL     time.Duration
	Logger  zerolog.Logger
}

// NewStorageHandler creates a new StorageHandler.
func NewStorageHandler(s *store.Store, objects storage.ObjectStore, bucket string, ttl time.Duration, logger zerolog.Logger) *StorageHandler {
	return &StorageHandler{Store: s, Objects: objects, Bucket: bucket, TTL: ttl, Logger: logger}
}

// SignedURLResponse is returned by GetSignedURL. ExpiresIn is the remaining
// lifetime of the URL, which is less than the configured TTL when a cached URL
// is reused.
type SignedURLResponse struct {
	SignedURL   string `json:"signed_url"`
	ExpiresIn   int    `json:"expires_in"`
	StoragePath string `json:"storage_path"`
}

// GetSignedURL checks that the path lives under the caller's folder and
// returns a signed URL for it.
func (h *StorageHandler) GetSignedURL(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}

	raw := c.Query("storage_path")
	if raw == "" {
		utils.BadRequest(c, "storage_path is required")
		return
	}
	path := storage.StripBucket(raw, h.Bucket)

	owner, _, _, err := storage.ParsePath(path)
	if err != nil {
		utils.BadRequest(c, "Invalid storage path")
		return
	}
	if owner != doctorID {
		h.Logger.Warn().Str("doctor_id", doctorID).Str("storage_path", path).Msg("signed url requested for foreign path")
		utils.Forbidden(c, "You do not have access to this file")
		return
	}

	// A missing row is tolerated: the folder check above already proves ownership.
	var count int64
	err = h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		return tx.Model(&models.Image{}).Scopes(store.OwnedBy(doctorID)).
			Where("storage_path = ?", path).Count(&count).Error
	})
	if err != nil {
		h.Logger.Warn().Err(err).Str("storage_path", path).Msg("image lookup failed")
	} else if count == 0 {
		h.Logger.Warn().Str("storage_path", path).Msg("no image row for storage path")
	}

	signed, expires, err := storage.SignURL(c.Request.Context(), h.Objects, path, h.TTL)
	if errors.Is(err, storage.ErrObjectNotFound) {
		utils.NotFound(c, "File not found")
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Str("storage_path", path).Msg("failed to sign url")
		utils.BadGateway(c, "Failed to generate signed URL")
		return
	}

	utils.Success(c, "Signed URL generated successfully", SignedURLResponse{
		SignedURL:   signed,
		ExpiresIn:   expiresIn(expires, time.Now()),
		StoragePath: path,
	})
}

// expiresIn is the number of seconds left before expires, never negative.
func expiresIn(expires, now time.Time) int {
	left := int(math.Round(expires.Sub(now).Seconds()))
	if left < 0 {
		return 0
	}
	return left
}
