package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"sediment-server/internal/models"
	"sediment-server/internal/patientcode"
)

const maxCodeAttempts = 5

func (s *Store) codeBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxCodeAttempts-1), ctx)
}

// CreatePatient registers a patient under the next free code of the doctor.
// Two concurrent registrations may compute the same code; the loser hits the
// unique index and retries with a fresh read.
func (s *Store) CreatePatient(ctx context.Context, doctorID string, details *models.PatientDetails) (*models.Patient, error) {
	next := s.nextCode
	if next == nil {
		next = patientcode.Next
	}

	var patient models.Patient
	attempt := 0
	op := func() error {
		attempt++
		patient = models.Patient{DoctorID: doctorID}

		err := s.Scoped(ctx, doctorID, func(tx *gorm.DB) error {
			var codes []string
			if err := tx.Model(&models.Patient{}).Scopes(OwnedBy(doctorID)).Pluck("code", &codes).Error; err != nil {
				return fmt.Errorf("list patient codes: %w", err)
			}
			patient.Code = next(codes)

			if err := tx.Create(&patient).Error; err != nil {
				return err
			}
			if details != nil {
				d := *details
				d.ID = ""
				d.PatientID = patient.ID
				d.DoctorID = doctorID
				if err := tx.Create(&d).Error; err != nil {
					return fmt.Errorf("create patient details: %w", err)
				}
				patient.Details = &d
			}
			return nil
		})

		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.Metrics.PatientCodeConflict()
			s.Logger.Warn().
				Str("doctor_id", doctorID).
				Str("code", patient.Code).
				Int("attempt", attempt).
				Msg("patient code taken, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, s.codeBackOff(ctx)); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w after %d attempts", ErrCodeConflict, attempt)
		}
		return nil, err
	}
	return &patient, nil
}

// DeletePatient removes a patient and everything recorded under it, and
// returns the storage paths of its images so the caller can drop the objects.
func (s *Store) DeletePatient(ctx context.Context, doctorID, patientID string) ([]string, error) {
	var paths []string

	err := s.Scoped(ctx, doctorID, func(tx *gorm.DB) error {
		var patient models.Patient
		if err := tx.Scopes(OwnedBy(doctorID)).First(&patient, "id = ?", patientID).Error; err != nil {
			return NotFound(err)
		}

		var caseIDs, visitIDs, imageIDs []string
		if err := tx.Model(&models.ClinicalCase{}).Scopes(OwnedBy(doctorID)).
			Where("patient_id = ?", patientID).Pluck("id", &caseIDs).Error; err != nil {
			return err
		}
		if len(caseIDs) > 0 {
			if err := tx.Model(&models.Visit{}).Scopes(OwnedBy(doctorID)).
				Where("case_id IN ?", caseIDs).Pluck("id", &visitIDs).Error; err != nil {
				return err
			}
		}
		if len(visitIDs) > 0 {
			var images []models.Image
			if err := tx.Scopes(OwnedBy(doctorID)).Select("id", "storage_path").
				Where("visit_id IN ?", visitIDs).Find(&images).Error; err != nil {
				return err
			}
			for _, img := range images {
				imageIDs = append(imageIDs, img.ID)
				paths = append(paths, img.StoragePath)
			}
		}

		if len(imageIDs) > 0 {
			if err := tx.Scopes(OwnedBy(doctorID)).Where("image_id IN ?", imageIDs).
				Delete(&models.AnalysisResult{}).Error; err != nil {
				return err
			}
			if err := tx.Scopes(OwnedBy(doctorID)).Where("id IN ?", imageIDs).
				Delete(&models.Image{}).Error; err != nil {
				return err
			}
		}
		if len(visitIDs) > 0 {
			if err := tx.Scopes(OwnedBy(doctorID)).Where("id IN ?", visitIDs).
				Delete(&models.Visit{}).Error; err != nil {
				return err
			}
		}
		if len(caseIDs) > 0 {
			if err := tx.Scopes(OwnedBy(doctorID)).Where("id IN ?", caseIDs).
				Delete(&models.ClinicalCase{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Scopes(OwnedBy(doctorID)).Where("patient_id = ?", patientID).
			Delete(&models.PatientDetails{}).Error; err != nil {
			return err
		}
		return tx.Scopes(OwnedBy(doctorID)).Where("id = ?", patientID).Delete(&models.Patient{}).Error
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
