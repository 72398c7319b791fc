// Package labels maps the class indices emitted by the sediment detection
// model to standardized element names.
package labels

import "image/color"

// Unknown is the name reported for any class index outside the model's table.
const Unknown = "unknown"

// Class describes one element the model can detect.
type Class struct {
	ID          int
	Name        string
	DisplayName string
	Color       color.RGBA
}

var classes = []Class{
	{0, "erythrocyte", "Eritrocito", color.RGBA{R: 220, G: 38, B: 38, A: 255}},
	{1, "leukocyte", "Leucocito", color.RGBA{R: 37, G: 99, B: 235, A: 255}},
	{2, "epithelial_cell", "Célula Epitelial", color.RGBA{R: 22, G: 163, B: 74, A: 255}},
	{3, "crystal", "Cristal", color.RGBA{R: 202, G: 138, B: 4, A: 255}},
	{4, "cast", "Cilindro", color.RGBA{R: 147, G: 51, B: 234, A: 255}},
	{5, "bacteria", "Bacteria", color.RGBA{R: 219, G: 39, B: 119, A: 255}},
	{6, "yeast", "Levadura", color.RGBA{R: 8, G: 145, B: 178, A: 255}},
}

var unknownClass = Class{ID: -1, Name: Unknown, DisplayName: "Desconocido", Color: color.RGBA{R: 107, G: 114, B: 128, A: 255}}

// All returns the known classes ordered by index.
func All() []Class {
	out := make([]Class, len(classes))
	copy(out, classes)
	return out
}

// ByID returns the class for a model index, or the unknown class.
func ByID(id int) Class {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return unknownClass
}

// ByName looks a class up by its standardized name.
func ByName(name string) Class {
	for _, c := range classes {
		if c.Name == name {
			return c
		}
	}
	return unknownClass
}

// Name returns the standardized English name for a class index.
func Name(id int) string {
	return ByID(id).Name
}

// DisplayName returns the Spanish name shown to clinicians.
func DisplayName(id int) string {
	return ByID(id).DisplayName
}

// ZeroCounts returns a count table holding every known class at zero.
func ZeroCounts() map[string]int {
	known := All()
	counts := make(map[string]int, len(known))
	for _, c := range known {
		counts[c.Name] = 0
	}
	return counts
}
