package handlers

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sediment-server/internal/inference"
	"sediment-server/internal/models"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

var errVisitNotOwned = errors.New("visit belongs to another doctor")

// PredictHandler runs the detection model on an uploaded image and records the result.
type PredictHandler struct {
	Store          *store.Store
	Objects        storage.ObjectStore
	Detector       inference.Detector
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// NewPredictHandler creates a new PredictHandler.
func NewPredictHandler(s *store.Store, objects storage.ObjectStore, detector inference.Detector, maxUploadBytes int64, logger zerolog.Logger) *PredictHandler {
	return &PredictHandler{
		Store:          s,
		Objects:        objects,
		Detector:       detector,
		MaxUploadBytes: maxUploadBytes,
		Logger:         logger,
	}
}

// PredictResponse is returned after a successful analysis.
type PredictResponse struct {
	Success         bool               `json:"success"`
	ImageID         string             `json:"image_id"`
	AnalysisID      string             `json:"analysis_id"`
	StoragePath     string             `json:"storage_path"`
	ModelName       string             `json:"model_name"`
	Counts          models.Counts      `json:"counts"`
	Detections      []models.Detection `json:"detections"`
	TotalDetections int                `json:"total_detections"`
}

// Predict handles POST /predict with multipart fields file and visit_id.
func (h *PredictHandler) Predict(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	visitID := c.PostForm("visit_id")
	if _, err := uuid.Parse(visitID); err != nil {
		utils.BadRequest(c, "A valid visit_id is required")
		return
	}

	// The visit is looked up without the owner filter so a foreign visit can
	// be told apart from a missing one where the database allows it.
	err := h.Store.Scoped(ctx, doctorID, func(tx *gorm.DB) error {
		var visit models.Visit
		if err := tx.Select("id", "doctor_id").First(&visit, "id = ?", visitID).Error; err != nil {
			return store.NotFound(err)
		}
		if visit.DoctorID != doctorID {
			return errVisitNotOwned
		}
		return nil
	})
	switch {
	case errors.Is(err, errVisitNotOwned):
		h.Logger.Warn().Str("doctor_id", doctorID).Str("visit_id", visitID).Msg("prediction attempted on foreign visit")
		utils.Forbidden(c, "You do not have access to this visit")
		return
	case err != nil:
		storeError(c, h.Logger, err, "Visit not found")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		utils.BadRequest(c, "Image file is required")
		return
	}
	if fileHeader.Size > h.MaxUploadBytes {
		utils.BadRequest(c, "Image exceeds the maximum allowed size")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		utils.BadRequest(c, "Could not read uploaded file")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.MaxUploadBytes+1))
	file.Close()
	if err != nil {
		utils.BadRequest(c, "Could not read uploaded file")
		return
	}
	if int64(len(data)) > h.MaxUploadBytes {
		utils.BadRequest(c, "Image exceeds the maximum allowed size")
		return
	}

	mime := mimetype.Detect(data)
	if !mime.Is("image/jpeg") && !mime.Is("image/png") {
		utils.BadRequest(c, "Only JPEG and PNG images are allowed")
		return
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		utils.BadRequest(c, "Uploaded file is not a valid image")
		return
	}

	result, err := h.Detector.Detect(ctx, fileHeader.Filename, mime.String(), data)
	if err != nil {
		h.Logger.Error().Err(err).Str("visit_id", visitID).Msg("inference failed")
		_ = c.Error(err)
		utils.BadGateway(c, "Image analysis service failed")
		return
	}

	path := storage.BuildPath(doctorID, visitID, fileHeader.Filename, time.Now())
	if err := h.Objects.Upload(ctx, path, mime.String(), data); err != nil {
		h.Logger.Error().Err(err).Str("storage_path", path).Msg("image upload failed")
		_ = c.Error(err)
		utils.BadGateway(c, "Failed to store image")
		return
	}

	img := models.Image{
		DoctorID:         doctorID,
		VisitID:          visitID,
		StoragePath:      path,
		OriginalFilename: fileHeader.Filename,
		ContentType:      mime.String(),
		SizeBytes:        int64(len(data)),
		Width:            cfg.Width,
		Height:           cfg.Height,
	}
	analysis := models.AnalysisResult{
		DoctorID:        doctorID,
		ModelName:       result.ModelName,
		Counts:          datatypes.NewJSONType(result.Counts),
		Detections:      datatypes.JSONSlice[models.Detection](result.Detections),
		TotalDetections: result.TotalDetections,
	}
	err = h.Store.Scoped(ctx, doctorID, func(tx *gorm.DB) error {
		if err := tx.Create(&img).Error; err != nil {
			return err
		}
		analysis.ImageID = img.ID
		return tx.Create(&analysis).Error
	})
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := h.Objects.Remove(cleanupCtx, path); rmErr != nil {
			h.Logger.Warn().Err(rmErr).Str("storage_path", path).Msg("failed to remove orphaned image")
		}
		storeError(c, h.Logger, err, "Visit not found")
		return
	}

	h.Logger.Info().
		Str("doctor_id", doctorID).
		Str("visit_id", visitID).
		Str("analysis_id", analysis.ID).
		Int("detections", result.TotalDetections).
		Msg("image analysed")

	utils.Created(c, "Image analysed successfully", PredictResponse{
		Success:         true,
		ImageID:         img.ID,
		AnalysisID:      analysis.ID,
		StoragePath:     path,
		ModelName:       result.ModelName,
		Counts:          result.Counts,
		Detections:      result.Detections,
		TotalDetections: result.TotalDetections,
	})
}
