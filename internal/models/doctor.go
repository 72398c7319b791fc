package models

// Doctor is the tenant. Its ID is the subject issued by the identity provider,
// so it is assigned by the caller and never generated locally.
type Doctor struct {
	BaseModel
	Email     string `gorm:"size:255" json:"email"`
	FullName  string `gorm:"size:200" json:"full_name"`
	Specialty string `gorm:"size:120" json:"specialty,omitempty"`

	Patients []Patient `gorm:"foreignKey:DoctorID" json:"-"`
}
