package models

// Sex values accepted for patient details.
const (
	SexFemale = "female"
	SexMale   = "male"
	SexOther  = "other"
)

// Patient is an anonymized patient identified only by a per-doctor sequential code.
type Patient struct {
	BaseModel
	DoctorID string `gorm:"size:36;not null;uniqueIndex:idx_patients_doctor_code" json:"doctor_id"`
	Code     string `gorm:"size:20;not null;uniqueIndex:idx_patients_doctor_code" json:"code"`

	Details *PatientDetails `gorm:"foreignKey:PatientID" json:"details,omitempty"`
}

// PatientDetails holds the optional, non-identifying descriptors of a patient.
type PatientDetails struct {
	BaseModel
	PatientID string `gorm:"size:36;not null;uniqueIndex" json:"patient_id"`
	DoctorID  string `gorm:"size:36;not null;index" json:"doctor_id"`
	Alias     string `gorm:"size:100" json:"alias"`
	Sex       string `gorm:"size:10" json:"sex,omitempty"`
	BirthYear *int   `json:"birth_year,omitempty"`
	Notes     string `gorm:"type:text" json:"notes,omitempty"`
}

// TableName keeps the plural-free table name used by the policies.
func (PatientDetails) TableName() string {
	return "patient_details"
}
