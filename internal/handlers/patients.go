package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

// PatientHandler handles anonymized patient registration and lookup.
type PatientHandler struct {
	Store   *store.Store
	Objects storage.ObjectStore
	Logger  zerolog.Logger
}

// NewPatientHandler creates a new PatientHandler.
func NewPatientHandler(s *store.Store, objects storage.ObjectStore, logger zerolog.Logger) *PatientHandler {
	return &PatientHandler{Store: s, Objects: objects, Logger: logger}
}

// PatientDetailsRequest carries the optional, non-identifying descriptors of a patient.
type PatientDetailsRequest struct {
	Alias     string `json:"alias" validate:"max=100"`
	Sex       string `json:"sex" validate:"omitempty,oneof=female male other"`
	BirthYear *int   `json:"birth_year" validate:"omitempty,min=1900,max=2100"`
	Notes     string `json:"notes" validate:"max=2000"`
}

func (r PatientDetailsRequest) empty() bool {
	return r.Alias == "" && r.Sex == "" && r.BirthYear == nil && r.Notes == ""
}

func (r PatientDetailsRequest) toModel() *models.PatientDetails {
	return &models.PatientDetails{
		Alias:     strings.TrimSpace(r.Alias),
		Sex:       r.Sex,
		BirthYear: r.BirthYear,
		Notes:     r.Notes,
	}
}

// CreatePatient registers a patient under the next free code.
func (h *PatientHandler) CreatePatient(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}

	var req PatientDetailsRequest
	if c.Request.ContentLength != 0 {
		if !utils.BindAndValidate(c, &req) {
			return
		}
	}

	var details *models.PatientDetails
	if !req.empty() {
		details = req.toModel()
	}

	patient, err := h.Store.CreatePatient(c.Request.Context(), doctorID, details)
	if err != nil {
		storeError(c, h.Logger, err, "Doctor not found")
		return
	}

	h.Logger.Info().Str("doctor_id", doctorID).Str("patient_id", patient.ID).Str("code", patient.Code).Msg("patient registered")
	utils.Created(c, "Patient created successfully", patient)
}

// GetPatients lists the doctor's patients ordered by code. The optional search
// parameter matches code or alias, case-insensitively.
func (h *PatientHandler) GetPatients(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	search := strings.ToLower(strings.TrimSpace(c.Query("search")))

	var patients []models.Patient
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		q := tx.Model(&models.Patient{}).Preload("Details").Where("patients.doctor_id = ?", doctorID)
		if search != "" {
			pattern := "%" + escapeLike(search) + "%"
			q = q.Joins("LEFT JOIN patient_details ON patient_details.patient_id = patients.id").
				Where("LOWER(patients.code) LIKE ? ESCAPE '!' OR LOWER(patient_details.alias) LIKE ? ESCAPE '!'", pattern, pattern)
		}
		return q.Order("LENGTH(patients.code), patients.code").Find(&patients).Error
	})
	if err != nil {
		storeError(c, h.Logger, err, "Patients not found")
		return
	}

	utils.Success(c, "Patients fetched successfully", patients)
}

// likeEscaper quotes LIKE wildcards with '!', which needs no escaping in any
// supported dialect's string literals.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// GetPatientByID returns one patient with its details.
func (h *PatientHandler) GetPatientByID(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	patientID, ok := uuidParam(c, "id", "Patient")
	if !ok {
		return
	}

	var patient models.Patient
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		return store.NotFound(tx.Scopes(store.OwnedBy(doctorID)).Preload("Details").First(&patient, "id = ?", patientID).Error)
	})
	if err != nil {
		storeError(c, h.Logger, err, "Patient not found")
		return
	}

	utils.Success(c, "Patient fetched successfully", patient)
}

// UpsertPatientDetails creates or replaces the details of a patient.
func (h *PatientHandler) UpsertPatientDetails(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	patientID, ok := uuidParam(c, "id", "Patient")
	if !ok {
		return
	}

	var req PatientDetailsRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	var details models.PatientDetails
	err := h.Store.Scoped(c.Request.Context(), doctorID, func(tx *gorm.DB) error {
		var patient models.Patient
		if err := tx.Scopes(store.OwnedBy(doctorID)).First(&patient, "id = ?", patientID).Error; err != nil {
			return store.NotFound(err)
		}

		err := tx.Scopes(store.OwnedBy(doctorID)).First(&details, "patient_id = ?", patientID).Error
		switch {
		case err == nil:
			details.Alias = strings.TrimSpace(req.Alias)
			details.Sex = req.Sex
			details.BirthYear = req.BirthYear
			details.Notes = req.Notes
			return tx.Save(&details).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			details = *req.toModel()
			details.PatientID = patientID
			details.DoctorID = doctorID
			return tx.Create(&details).Error
		default:
			return err
		}
	})
	if err != nil {
		storeError(c, h.Logger, err, "Patient not found")
		return
	}

	utils.Success(c, "Patient details saved successfully", details)
}

// DeletePatient removes a patient with all its cases, visits, images and
// analyses. Stored objects are removed afterwards on a best-effort basis.
func (h *PatientHandler) DeletePatient(c *gin.Context) {
	doctorID, ok := requireDoctor(c)
	if !ok {
		return
	}
	patientID, ok := uuidParam(c, "id", "Patient")
	if !ok {
		return
	}

	paths, err := h.Store.DeletePatient(c.Request.Context(), doctorID, patientID)
	if err != nil {
		storeError(c, h.Logger, err, "Patient not found")
		return
	}

	if len(paths) > 0 {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
		defer cancel()
		if err := h.Objects.Remove(ctx, paths...); err != nil {
			h.Logger.Warn().Err(err).Str("patient_id", patientID).Int("objects", len(paths)).Msg("failed to remove stored images")
		}
	}

	utils.Success(c, "Patient deleted successfully", gin.H{"id": patientID, "removed_images": len(paths)})
}
