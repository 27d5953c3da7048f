package imaging

import (
	"image"
	"math"
)

// Plane is a float luma plane used by the aligners.
type Plane struct {
	W, H int
	Pix  []float32
}

// NewPlane allocates a zeroed w x h plane.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float32, w*h)}
}

// PlaneFromGray converts an 8-bit plane to float.
func PlaneFromGray(g *image.Gray) *Plane {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	p := NewPlane(w, h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			p.Pix[y*w+x] = float32(v)
		}
	}
	return p
}

// At returns the value at (x, y), clamping coordinates to the plane.
func (p *Plane) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= p.W {
		x = p.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.H {
		y = p.H - 1
	}
	return p.Pix[y*p.W+x]
}

// Bilinear samples the plane at a sub-pixel position. ok is false outside the plane.
func (p *Plane) Bilinear(x, y float64) (v float64, ok bool) {
	if x < 0 || y < 0 || x > float64(p.W-1) || y > float64(p.H-1) {
		return 0, false
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)
	x1, y1 := x0+1, y0+1
	if x1 >= p.W {
		x1 = p.W - 1
	}
	if y1 >= p.H {
		y1 = p.H - 1
	}
	a := float64(p.Pix[y0*p.W+x0])
	b := float64(p.Pix[y0*p.W+x1])
	c := float64(p.Pix[y1*p.W+x0])
	d := float64(p.Pix[y1*p.W+x1])
	top := a + (b-a)*fx
	bot := c + (d-c)*fx
	return top + (bot-top)*fy, true
}

var binomial5 = [5]float32{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// Blur applies a separable 5-tap binomial filter with clamped borders.
func (p *Plane) Blur() *Plane {
	tmp := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			var s float32
			for k := -2; k <= 2; k++ {
				s += binomial5[k+2] * p.At(x+k, y)
			}
			tmp.Pix[y*p.W+x] = s
		}
	}
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			var s float32
			for k := -2; k <= 2; k++ {
				s += binomial5[k+2] * tmp.At(x, y+k)
			}
			out.Pix[y*p.W+x] = s
		}
	}
	return out
}

// Half blurs and decimates the plane by two in each direction.
func (p *Plane) Half() *Plane {
	b := p.Blur()
	w, h := (p.W+1)/2, (p.H+1)/2
	out := NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = b.At(2*x, 2*y)
		}
	}
	return out
}

// Pyramid returns the plane followed by successively halved copies, stopping
// at levels entries or when the next level would be smaller than minSize.
func Pyramid(p *Plane, levels, minSize int) []*Plane {
	pyr := []*Plane{p}
	for len(pyr) < levels {
		top := pyr[len(pyr)-1]
		if (top.W+1)/2 < minSize || (top.H+1)/2 < minSize {
			break
		}
		pyr = append(pyr, top.Half())
	}
	return pyr
}
