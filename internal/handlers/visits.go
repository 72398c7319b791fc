package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

var errCaseClosed = errors.New("case is closed")

// VisitHandler handles visit related requests.
type VisitHandler struct {
	Store  *store.Store
	Logger zerolog.Logger
}

// NewVisitHandler creates a new VisitHandler.
func NewVisitHandler(s *store.Store, logger zerolog.Logger) *VisitHandler {
	return &VisitHandler{Store: s, Logger: logger}
}

// CreateVisitRequest represents the request body for recording a visit.
type CreateVisitRequest struct {
	CaseID    string     `json:"case_id" validate:"required,uuid"`
	VisitDate *time.Time `json:"visit_date"`
	Notes     string     `json:"notes" validate:"max=5000"`
}

// UpdateVisitRequest represents the request body for updating a visit.
type UpdateVisitRequest struct {
	VisitDate *time.Time `json:"visit_date"`
	Notes     *string    `json:"notes" validate:"omitempty,max=5000"`
}

// caseSummary keeps nested cases to id, title and the patient's code.
func caseSummary(db *gorm.DB) *gorm.DB {
	return db.Select("id", "title", "patient_id")
}

// CreateVisit records a visit inside an open case.
func (h *VisitHandler) CreateVisit(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}

	var req CreateVisitRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	visitDate := time.Now().UTC()
	if req.VisitDate != nil {
		visitDate = req.VisitDate.UTC()
	}
	visit := models.Visit{
		DoctorID:  doctorID,
		CaseID:    req.CaseID,
		VisitDate: visitDate,
		Notes:     req.Notes,
	}

	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		var clinicalCase models.ClinicalCase
		if err := tx.Scopes(store.OwnedBy(doctorID)).First(&clinicalCase, "id = ?", req.CaseID).Error; err != nil {
			return store.NotFound(err)
		}
		if clinicalCase.Status == models.CaseStatusClosed {
			return errCaseClosed
		}
		return tx.Create(&visit).Error
	})
	if errors.Is(err, errCaseClosed) {
		utils.Conflict(c, "Cannot add a visit to a closed case")
		return
	}
	if err != nil {
		storeError(c, h.Logger, err, "Case not found")
		return
	}

	utils.Created(c, "Visit created successfully", visit)
}

// GetVisits lists visits by visit date, newest first, optionally for one case.
func (h *VisitHandler) GetVisits(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	caseID, ok := uuidQuery(c, "case_id", "Case")
	if !ok {
		return
	}

	var visits []models.Visit
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		q := tx.Scopes(store.OwnedBy(doctorID)).
			Preload("Case", caseSummary).
			Preload("Case.Patient", patientSummary)
		if caseID != "" {
			q = q.Where("case_id = ?", caseID)
		}
		return q.Order("visit_date desc").Find(&visits).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Visits not found")
		return
	}

	utils.Success(c, "Visits fetched successfully", visits)
}

// GetVisitByID returns one visit with its case and patient.
func (h *VisitHandler) GetVisitByID(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	visitID, ok := uuidParam(c, "id", "Visit")
	if !ok {
		return
	}

	var visit models.Visit
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		return store.NotFound(tx.Scopes(store.OwnedBy(doctorID)).
			Preload("Case", caseSummary).
			Preload("Case.Patient", patientSummary).
			First(&visit, "id = ?", visitID).Error)
	})
	if err != nil {
		storeError(c, h.Logger, err, "Visit not found")
		return
	}

	utils.Success(c, "Visit fetched successfully", visit)
}

// UpdateVisit changes the date or notes of a visit.
func (h *VisitHandler) UpdateVisit(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	visitID, ok := uuidParam(c, "id", "Visit")
	if !ok {
		return
	}

	var req UpdateVisitRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	updates := map[string]interface{}{}
	if req.VisitDate != nil {
		updates["visit_date"] = req.VisitDate.UTC()
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}
	if len(updates) == 0 {
		utils.BadRequest(c, "No fields to update")
		return
	}

	var visit models.Visit
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		if err := tx.Scopes(store.OwnedBy(doctorID)).First(&visit, "id = ?", visitID).Error; err != nil {
			return store.NotFound(err)
		}
		if err := tx.Model(&visit).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&visit, "id = ?", visitID).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Visit not found")
		return
	}

	utils.Success(c, "Visit updated successfully", visit)
}
