// Package store owns tenant-scoped database access. Every read and write made
// on behalf of a doctor runs inside Scoped, which pins the doctor's identity
// to the transaction so the row-level security policies in policies.go can
// evaluate it, and every query additionally filters on doctor_id.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sediment-server/internal/metrics"
	"sediment-server/internal/models"
)

// SettingName is the transaction-local setting the policies compare against.
const SettingName = "app.current_doctor_id"

var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidPrincipal = errors.New("invalid doctor identifier")
	ErrCodeConflict     = errors.New("could not allocate a unique patient code")
)

// Store wraps the database handle shared by all requests.
type Store struct {
	DB      *gorm.DB
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	nextCode func(codes []string) string
}

// New creates a Store.
func New(db *gorm.DB, m *metrics.Metrics, logger zerolog.Logger) *Store {
	return &Store{DB: db, Metrics: m, Logger: logger}
}

// SupportsRLS reports whether the connected dialect evaluates row-level security.
func (s *Store) SupportsRLS() bool {
	return s.DB.Dialector.Name() == "postgres"
}

// Scoped runs fn in a transaction bound to doctorID.
func (s *Store) Scoped(ctx context.Context, doctorID string, fn func(tx *gorm.DB) error) error {
	if _, err := uuid.Parse(doctorID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipal, doctorID)
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.SupportsRLS() {
			if err := tx.Exec("SELECT set_config(?, ?, true)", SettingName, doctorID).Error; err != nil {
				return fmt.Errorf("bind doctor to transaction: %w", err)
			}
		}
		return fn(tx)
	})
}

// OwnedBy filters a query to rows owned by doctorID.
func OwnedBy(doctorID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("doctor_id = ?", doctorID)
	}
}

// NotFound converts gorm's not-found error into ErrNotFound and leaves others untouched.
func NotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// EnsureDoctor creates the doctor row on first sight and refreshes its email.
func (s *Store) EnsureDoctor(ctx context.Context, doctorID, email string) (*models.Doctor, error) {
	doctor := models.Doctor{Email: email}
	doctor.ID = doctorID

	err := s.Scoped(ctx, doctorID, func(tx *gorm.DB) error {
		onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}
		if email != "" {
			onConflict = clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
			}
		}
		if err := tx.Clauses(onConflict).Create(&doctor).Error; err != nil {
			return err
		}
		return tx.First(&doctor, "id = ?", doctorID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("ensure doctor %s: %w", doctorID, err)
	}
	return &doctor, nil
}
