package imaging

import "image"

// Region is a crop rectangle in frame pixels. A region with no width or
// height disables cropping.
type Region struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Valid reports whether r selects any pixels at all.
func (r Region) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// clip intersects r with a w×h frame.
func (r Region) clip(w, h int) image.Rectangle {
	x0, y0 := max(0, r.X), max(0, r.Y)
	return image.Rect(x0, y0, min(w, x0+r.Width), min(h, y0+r.Height))
}

// Crop returns the part of f inside r, clipped to the frame. The frame is
// returned unchanged when r is disabled or lies outside of it.
func Crop(f *Frame, r Region) *Frame {
	if f.Empty() || !r.Valid() {
		return f
	}
	rect := r.clip(f.Width(), f.Height())
	if rect.Empty() {
		return f
	}
	return f.sub(rect)
}

// CropCenter returns a w×h window centred on f, clipped to the frame.
func CropCenter(f *Frame, w, h int) *Frame {
	if f.Empty() || w <= 0 || h <= 0 {
		return f
	}
	r := Region{X: f.Width()/2 - w/2, Y: f.Height()/2 - h/2, Width: w, Height: h}
	return Crop(f, r)
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// sub cuts rect, in frame coordinates, out of f.
func (f *Frame) sub(rect image.Rectangle) *Frame {
	img := f.Image
	if s, ok := img.(subImager); ok {
		img = s.SubImage(rect.Add(img.Bounds().Min))
	} else {
		img = f.Gray.SubImage(rect)
	}
	c := NewFrame(img)
	c.Seq, c.CapturedAt = f.Seq, f.CapturedAt
	return c
}
