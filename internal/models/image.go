package models

// Image is the metadata row of a microscopy image held in the object store.
// The bytes themselves never touch the database.
type Image struct {
	BaseModel
	DoctorID         string `gorm:"size:36;not null;index" json:"doctor_id"`
	VisitID          string `gorm:"size:36;not null;index" json:"visit_id"`
	StoragePath      string `gorm:"size:500;not null;uniqueIndex" json:"storage_path"`
	OriginalFilename string `gorm:"size:255" json:"original_filename"`
	ContentType      string `gorm:"size:100" json:"content_type"`
	SizeBytes        int64  `json:"size_bytes"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`

	// Relations
	Visit *Visit `gorm:"foreignKey:VisitID" json:"visit,omitempty"`
}
