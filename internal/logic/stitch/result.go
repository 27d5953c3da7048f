package stitch

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/draw"

	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// ErrNoFrames is returned when a composite is requested with nothing placed.
var ErrNoFrames = errors.New("stitch: no placed frames")

// Placement is a frame included in the canvas.
type Placement struct {
	Seq       int        `json:"seq"`
	Transform Homography `json:"transform"` // frame -> reference coordinates
	Inliers   int        `json:"inliers"`
	Ratio     float64    `json:"ratio"` // inlier ratio or correlation

	frame *imaging.Frame
}

// AlignmentFailure is a frame excluded from the canvas.
type AlignmentFailure struct {
	Seq    int     `json:"seq"`
	Reason string  `json:"reason"`
	Ratio  float64 `json:"ratio"`
}

// Result is the outcome of a stitch. The composite is rendered on first use.
type Result struct {
	Placements []Placement        `json:"placements"`
	Failed     []AlignmentFailure `json:"failed"`
	// Bounds is the bounding box of every placed frame's transformed corners,
	// in reference-frame coordinates.
	Bounds image.Rectangle `json:"bounds"`

	blend     Blend
	maxPixels int

	once sync.Once
	img  *image.RGBA
	err  error
}

func newResult(placements []Placement, failed []AlignmentFailure, cfg Config) *Result {
	return &Result{
		Placements: placements,
		Failed:     failed,
		Bounds:     canvasBounds(placements),
		blend:      cfg.Blend,
		maxPixels:  cfg.MaxCanvasPixels,
	}
}

// Included reports whether the frame with the given sequence index was placed.
func (r *Result) Included(seq int) bool {
	for _, p := range r.Placements {
		if p.Seq == seq {
			return true
		}
	}
	return false
}

// PlacedSeqs returns the sequence indices of placed frames, in order.
func (r *Result) PlacedSeqs() []int {
	seqs := make([]int, len(r.Placements))
	for i, p := range r.Placements {
		seqs[i] = p.Seq
	}
	return seqs
}

// FailedSeqs returns the sequence indices of excluded frames, in order.
func (r *Result) FailedSeqs() []int {
	seqs := make([]int, len(r.Failed))
	for i, f := range r.Failed {
		seqs[i] = f.Seq
	}
	return seqs
}

func frameCorners(p Placement) []point {
	w, h := float64(p.frame.Width()), float64(p.frame.Height())
	var pts []point
	for _, c := range []point{{0, 0}, {w, 0}, {w, h}, {0, h}} {
		if x, y, ok := p.Transform.Apply(c.X, c.Y); ok {
			pts = append(pts, point{x, y})
		}
	}
	return pts
}

func canvasBounds(placements []Placement) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range placements {
		for _, c := range frameCorners(p) {
			minX, minY = math.Min(minX, c.X), math.Min(minY, c.Y)
			maxX, maxY = math.Max(maxX, c.X), math.Max(maxY, c.Y)
		}
	}
	if math.IsInf(minX, 1) {
		return image.Rectangle{}
	}
	// sub-pixel residue from the fit must not grow the canvas by a pixel
	const eps = 1e-3
	return image.Rect(
		int(math.Floor(minX+eps)), int(math.Floor(minY+eps)),
		int(math.Ceil(maxX-eps)), int(math.Ceil(maxY-eps)),
	)
}

// Composite renders the canvas. The image is anchored at the origin; pixel
// (0, 0) corresponds to Bounds.Min in reference coordinates. Uncovered pixels
// are transparent.
func (r *Result) Composite() (image.Image, error) {
	r.once.Do(func() {
		r.img, r.err = r.render()
	})
	if r.err != nil {
		return nil, r.err
	}
	return r.img, nil
}

func (r *Result) render() (*image.RGBA, error) {
	if len(r.Placements) == 0 {
		return nil, ErrNoFrames
	}
	w, h := r.Bounds.Dx(), r.Bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrNoFrames
	}
	if w*h > r.maxPixels {
		return nil, fmt.Errorf("stitch: canvas %dx%d exceeds %d pixels", w, h, r.maxPixels)
	}

	if r.blend == BlendFeather {
		return r.renderFeather(w, h), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for _, p := range r.Placements {
		r.paint(p, func(i int, px [4]float64, _ float64) {
			dst.Pix[i] = uint8(px[0] + 0.5)
			dst.Pix[i+1] = uint8(px[1] + 0.5)
			dst.Pix[i+2] = uint8(px[2] + 0.5)
			dst.Pix[i+3] = 255
		}, w)
	}
	return dst, nil
}

func (r *Result) renderFeather(w, h int) *image.RGBA {
	acc := make([]float64, w*h*3)
	weights := make([]float64, w*h)
	for _, p := range r.Placements {
		r.paint(p, func(i int, px [4]float64, wt float64) {
			j := i / 4
			acc[j*3] += px[0] * wt
			acc[j*3+1] += px[1] * wt
			acc[j*3+2] += px[2] * wt
			weights[j] += wt
		}, w)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for j, wt := range weights {
		if wt == 0 {
			continue
		}
		dst.Pix[j*4] = uint8(acc[j*3]/wt + 0.5)
		dst.Pix[j*4+1] = uint8(acc[j*3+1]/wt + 0.5)
		dst.Pix[j*4+2] = uint8(acc[j*3+2]/wt + 0.5)
		dst.Pix[j*4+3] = 255
	}
	return dst
}

// paint inverse-maps every canvas pixel covered by p into the frame and calls
// put with the RGBA pixel offset, the sampled colour and the feather weight.
func (r *Result) paint(p Placement, put func(i int, px [4]float64, weight float64), stride int) {
	inv, ok := p.Transform.Inverse()
	if !ok {
		return
	}
	src := toRGBA(p.frame.Image)
	fw, fh := float64(src.Rect.Dx()), float64(src.Rect.Dy())

	box := canvasBounds([]Placement{p}).Intersect(r.Bounds)
	for cy := box.Min.Y; cy < box.Max.Y; cy++ {
		for cx := box.Min.X; cx < box.Max.X; cx++ {
			sx, sy, ok := inv.Apply(float64(cx), float64(cy))
			if !ok || sx < 0 || sy < 0 || sx > fw-1 || sy > fh-1 {
				continue
			}
			px := sampleRGBA(src, sx, sy)
			weight := math.Min(math.Min(sx+1, fw-sx), math.Min(sy+1, fh-sy))
			i := ((cy-r.Bounds.Min.Y)*stride + (cx - r.Bounds.Min.X)) * 4
			put(i, px, weight)
		}
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

func sampleRGBA(img *image.RGBA, x, y float64) [4]float64 {
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, img.Rect.Dx()-1), min(y0+1, img.Rect.Dy()-1)
	fx, fy := x-float64(x0), y-float64(y0)
	at := func(px, py int) color.RGBA {
		i := py*img.Stride + px*4
		return color.RGBA{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}
	}
	a, b, c, d := at(x0, y0), at(x1, y0), at(x0, y1), at(x1, y1)
	lerp := func(p, q, r, s uint8) float64 {
		top := float64(p) + (float64(q)-float64(p))*fx
		bot := float64(r) + (float64(s)-float64(r))*fx
		return top + (bot-top)*fy
	}
	return [4]float64{
		lerp(a.R, b.R, c.R, d.R),
		lerp(a.G, b.G, c.G, d.G),
		lerp(a.B, b.B, c.B, d.B),
		lerp(a.A, b.A, c.A, d.A),
	}
}
