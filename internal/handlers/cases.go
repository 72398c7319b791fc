package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

// CaseHandler handles clinical case related requests.
type CaseHandler struct {
	Store  *store.Store
	Logger zerolog.Logger
}

// NewCaseHandler creates a new CaseHandler.
func NewCaseHandler(s *store.Store, logger zerolog.Logger) *CaseHandler {
	return &CaseHandler{Store: s, Logger: logger}
}

// CreateCaseRequest represents the request body for opening a case.
type CreateCaseRequest struct {
	PatientID   string `json:"patient_id" validate:"required,uuid"`
	Title       string `json:"title" validate:"required,max=255"`
	Description string `json:"description" validate:"max=5000"`
}

// UpdateCaseRequest represents the request body for updating a case.
type UpdateCaseRequest struct {
	Title       *string            `json:"title" validate:"omitempty,min=1,max=255"`
	Description *string            `json:"description" validate:"omitempty,max=5000"`
	Status      *models.CaseStatus `json:"status" validate:"omitempty,oneof=open closed"`
}

// patientSummary keeps nested patients down to their id and code.
func patientSummary(db *gorm.DB) *gorm.DB {
	return db.Select("id", "code")
}

// CreateCase opens a case for one of the doctor's patients.
func (h *CaseHandler) CreateCase(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}

	var req CreateCaseRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	clinicalCase := models.ClinicalCase{
		DoctorID:    doctorID,
		PatientID:   req.PatientID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      models.CaseStatusOpen,
	}
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		var patient models.Patient
		if err := tx.Scopes(store.OwnedBy(doctorID)).First(&patient, "id = ?", req.PatientID).Error; err != nil {
			return store.NotFound(err)
		}
		if err := tx.Create(&clinicalCase).Error; err != nil {
			return err
		}
		clinicalCase.Patient = &patient
		return nil
	})
	if err != nil {
		storeError(c, h.Logger, err, "Patient not found")
		return
	}

	utils.Created(c, "Case created successfully", clinicalCase)
}

// GetCases lists cases newest first, optionally for a single patient.
func (h *CaseHandler) GetCases(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	patientID, ok := uuidQuery(c, "patient_id", "Patient")
	if !ok {
		return
	}

	var cases []models.ClinicalCase
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		q := tx.Scopes(store.OwnedBy(doctorID)).Preload("Patient", patientSummary)
		if patientID != "" {
			q = q.Where("patient_id = ?", patientID)
		}
		return q.Order("created_at desc").Find(&cases).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Cases not found")
		return
	}

	utils.Success(c, "Cases fetched successfully", cases)
}

// GetCaseByID returns one case with its patient.
func (h *CaseHandler) GetCaseByID(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	caseID, ok := uuidParam(c, "id", "Case")
	if !ok {
		return
	}

	var clinicalCase models.ClinicalCase
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		return store.NotFound(tx.Scopes(store.OwnedBy(doctorID)).Preload("Patient", patientSummary).
			First(&clinicalCase, "id = ?", caseID).Error)
	})
	if err != nil {
		storeError(c, h.Logger, err, "Case not found")
		return
	}

	utils.Success(c, "Case fetched successfully", clinicalCase)
}

// UpdateCase changes the title, description or status of a case.
func (h *CaseHandler) UpdateCase(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	caseID, ok := uuidParam(c, "id", "Case")
	if !ok {
		return
	}

	var req UpdateCaseRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}
	if len(updates) == 0 {
		utils.BadRequest(c, "No fields to update")
		return
	}

	var clinicalCase models.ClinicalCase
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		if err := tx.Scopes(store.OwnedBy(doctorID)).First(&clinicalCase, "id = ?", caseID).Error; err != nil {
			return store.NotFound(err)
		}
		if err := tx.Model(&clinicalCase).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Preload("Patient", patientSummary).First(&clinicalCase, "id = ?", caseID).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Case not found")
		return
	}

	utils.Success(c, "Case updated successfully", clinicalCase)
}
