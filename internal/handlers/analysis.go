package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/render"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

const maxAnnotatedWidth = 4096

// AnalysisHandler serves stored analysis results.
type AnalysisHandler struct {
	Store   *store.Store
	Objects storage.ObjectStore
	Logger  zerolog.Logger
}

// NewAnalysisHandler creates a new AnalysisHandler.
func NewAnalysisHandler(s *store.Store, objects storage.ObjectStore, logger zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{Store: s, Objects: objects, Logger: logger}
}

// GetAnalyses lists analyses newest first, optionally for one visit or image.
func (h *AnalysisHandler) GetAnalyses(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	visitID, ok := uuidQuery(c, "visit_id", "Visit")
	if !ok {
		return
	}
	imageID, ok := uuidQuery(c, "image_id", "Image")
	if !ok {
		return
	}

	var analyses []models.AnalysisResult
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		q := tx.Scopes(store.OwnedBy(doctorID)).Preload("Image")
		if imageID != "" {
			q = q.Where("image_id = ?", imageID)
		}
		if visitID != "" {
			visitImages := tx.Model(&models.Image{}).Select("id").
				Where("visit_id = ? AND doctor_id = ?", visitID, doctorID)
			q = q.Where("image_id IN (?)", visitImages)
		}
		return q.Order("created_at desc").Find(&analyses).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Analyses not found")
		return
	}

	utils.Success(c, "Analyses fetched successfully", analyses)
}

func (h *AnalysisHandler) loadAnalysis(c *gin.Context, doctorID, analysisID string) (*models.AnalysisResult, error) {
	var analysis models.AnalysisResult
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		return store.NotFound(tx.Scopes(store.OwnedBy(doctorID)).
			Preload("Image.Visit", func(db *gorm.DB) *gorm.DB { return db.Select("id", "case_id", "visit_date") }).
			Preload("Image.Visit.Case", caseSummary).
			Preload("Image.Visit.Case.Patient", patientSummary).
			First(&analysis, "id = ?", analysisID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// GetAnalysisByID returns one analysis with its image, visit, case and patient.
func (h *AnalysisHandler) GetAnalysisByID(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	analysisID, ok := uuidParam(c, "id", "Analysis")
	if !ok {
		return
	}

	analysis, err := h.loadAnalysis(c, doctorID, analysisID)
	if err != nil {
		storeError(c, h.Logger, err, "Analysis not found")
		return
	}

	utils.Success(c, "Analysis fetched successfully", analysis)
}

// GetAnnotatedImage renders the analysed image as PNG with its detection boxes.
// Query parameters: width, min_confidence, line_width, labels.
func (h *AnalysisHandler) GetAnnotatedImage(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	analysisID, ok := uuidParam(c, "id", "Analysis")
	if !ok {
		return
	}

	opts, err := annotateOptions(c)
	if err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	analysis, err := h.loadAnalysis(c, doctorID, analysisID)
	if err != nil {
		storeError(c, h.Logger, err, "Analysis not found")
		return
	}
	if analysis.Image == nil {
		utils.NotFound(c, "Image not found")
		return
	}

	data, _, err := h.Objects.Download(c.Request.Context(), analysis.Image.StoragePath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		utils.NotFound(c, "Stored image not found")
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Str("storage_path", analysis.Image.StoragePath).Msg("image download failed")
		utils.BadGateway(c, "Failed to load stored image")
		return
	}

	img, _, err := render.Decode(data)
	if err != nil {
		h.Logger.Error().Err(err).Str("storage_path", analysis.Image.StoragePath).Msg("stored image is not decodable")
		utils.InternalServerError(c, "Stored image could not be decoded")
		return
	}

	out, err := render.EncodePNG(render.Annotate(img, analysis.Detections, opts))
	if err != nil {
		utils.InternalServerError(c, "Failed to render image")
		return
	}

	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, "image/png", out)
}

func annotateOptions(c *gin.Context) (render.Options, error) {
	opts := render.Options{LineWidth: render.DefaultLineWidth, ShowLabels: true}

	if v := c.Query("width"); v != "" {
		w, err := strconv.Atoi(v)
		if err != nil || w < 0 || w > maxAnnotatedWidth {
			return opts, errors.New("width must be an integer between 0 and 4096")
		}
		opts.Width = w
	}
	if v := c.Query("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return opts, errors.New("min_confidence must be a number between 0 and 1")
		}
		opts.MinConfidence = f
	}
	if v := c.Query("line_width"); v != "" {
		lw, err := strconv.Atoi(v)
		if err != nil || lw < 1 || lw > 20 {
			return opts, errors.New("line_width must be an integer between 1 and 20")
		}
		opts.LineWidth = lw
	}
	if v := c.Query("labels"); v != "" {
		show, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("labels must be a boolean")
		}
		opts.ShowLabels = show
	}
	return opts, nil
}
