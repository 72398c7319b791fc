package models

import (
	"gorm.io/datatypes"
)

// BoundingBox is a detection rectangle in the pixel space of the analysed image.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width of the box.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height of the box.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Detection is one element found by the classification model.
type Detection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Counts maps a class name to the number of detections of that class.
type Counts map[string]int

// AnalysisResult stores the model output for one image.
type AnalysisResult struct {
	BaseModel
	DoctorID        string                         `gorm:"size:36;not null;index" json:"doctor_id"`
	ImageID         string                         `gorm:"size:36;not null;index" json:"image_id"`
	ModelName       string                         `gorm:"size:100" json:"model_name"`
	Counts          datatypes.JSONType[Counts]     `json:"counts"`
	Detections      datatypes.JSONSlice[Detection] `json:"detections"`
	TotalDetections int                            `json:"total_detections"`

	// Relations
	Image *Image `gorm:"foreignKey:ImageID" json:"image"`
}

// TableName maps the model onto the analysis_results table.
func (AnalysisResult) TableName() string {
	return "analysis_results"
}
