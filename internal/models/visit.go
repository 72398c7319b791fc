package models

import (
	"time"
)

// Visit represents one sampling encounter inside a clinical case
type Visit struct {
	BaseModel
	DoctorID  string    `gorm:"size:36;not null;index" json:"doctor_id"`
	CaseID    string    `gorm:"size:36;not null;index" json:"case_id"`
	VisitDate time.Time `gorm:"index" json:"visit_date"`
	Notes     string    `gorm:"type:text" json:"notes,omitempty"`

	// Relations
	Case   *ClinicalCase `gorm:"foreignKey:CaseID" json:"case,omitempty"`
	Images []Image       `gorm:"foreignKey:VisitID" json:"-"`
}
