// Package render draws detection boxes over microscopy images.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"sediment-server/internal/labels"
	"sediment-server/internal/models"
)

const (
	DefaultLineWidth = 2
	labelPadding     = 2
)

// Options controls how Annotate renders.
type Options struct {
	// Width scales the output to this many pixels, keeping the aspect ratio.
	// Zero or negative keeps the original size.
	Width         int
	MinConfidence float64
	LineWidth     int
	ShowLabels    bool
}

// Decode reads a JPEG or PNG image.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// EncodePNG writes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Annotate returns a copy of img, scaled per opts, with every detection at or
// above opts.MinConfidence outlined in its class colour.
func Annotate(img image.Image, detections []models.Detection, opts Options) *image.RGBA {
	src := img.Bounds()
	scale := 1.0
	dstW, dstH := src.Dx(), src.Dy()
	if opts.Width > 0 && opts.Width != src.Dx() && src.Dx() > 0 {
		scale = float64(opts.Width) / float64(src.Dx())
		dstW = opts.Width
		dstH = int(math.Max(1, math.Round(float64(src.Dy())*scale)))
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	if scale == 1.0 {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	}

	lineWidth := opts.LineWidth
	if lineWidth <= 0 {
		lineWidth = DefaultLineWidth
	}

	for _, d := range detections {
		if d.Confidence < opts.MinConfidence {
			continue
		}
		r := scaleBox(d.BBox, scale).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}

		class := labels.ByID(d.ClassID)
		outline(dst, r, lineWidth, class.Color)
		if opts.ShowLabels {
			label(dst, r, fmt.Sprintf("%s %.2f", class.Name, d.Confidence), class.Color)
		}
	}
	return dst
}

func scaleBox(b models.BoundingBox, scale float64) image.Rectangle {
	return image.Rect(
		int(math.Round(b.X1*scale)),
		int(math.Round(b.Y1*scale)),
		int(math.Round(b.X2*scale)),
		int(math.Round(b.Y2*scale)),
	)
}

// outline strokes r inward by width pixels.
func outline(dst *image.RGBA, r image.Rectangle, width int, c color.RGBA) {
	fill := image.NewUniform(c)
	w := min(width, (r.Dx()+1)/2, (r.Dy()+1)/2)
	if w < 1 {
		w = 1
	}
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, fill, image.Point{}, draw.Src)
	}
}

// label draws text on a filled tag above r, or just inside its top edge when
// there is no room above.
func label(dst *image.RGBA, r image.Rectangle, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	textW := font.MeasureString(face, text).Ceil()
	tagH := face.Height

	top := r.Min.Y - tagH
	if top < dst.Bounds().Min.Y {
		top = r.Min.Y
	}
	tag := image.Rect(r.Min.X, top, r.Min.X+textW+2*labelPadding, top+tagH).Intersect(dst.Bounds())
	if tag.Empty() {
		return
	}
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(r.Min.X+labelPadding, top+face.Ascent),
	}
	d.DrawString(text)
}
