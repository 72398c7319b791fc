package models

// CaseStatus represents the lifecycle state of a clinical case
type CaseStatus string

const (
	CaseStatusOpen   CaseStatus = "open"
	CaseStatusClosed CaseStatus = "closed"
)

// ClinicalCase groups the visits of one patient around a single clinical question.
type ClinicalCase struct {
	BaseModel
	DoctorID    string     `gorm:"size:36;not null;index" json:"doctor_id"`
	PatientID   string     `gorm:"size:36;not null;index" json:"patient_id"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	Status      CaseStatus `gorm:"size:20;default:'open'" json:"status"`

	// Relations
	Patient *Patient `gorm:"foreignKey:PatientID" json:"patient,omitempty"`
	Visits  []Visit  `gorm:"foreignKey:CaseID" json:"-"`
}

// TableName maps the model onto the cases table.
func (ClinicalCase) TableName() string {
	return "cases"
}
