package stitch

import (
	"math"
)

// Homography is a row-major 3x3 planar projective transform.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns a pure translation by (tx, ty).
func Translation(tx, ty float64) Homography {
	return Homography{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// scaling returns a uniform scale about the origin.
func scaling(s float64) Homography {
	return Homography{s, 0, 0, 0, s, 0, 0, 0, 1}
}

// Mul returns h × o (o is applied first).
func (h Homography) Mul(o Homography) Homography {
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = h[i*3]*o[j] + h[i*3+1]*o[3+j] + h[i*3+2]*o[6+j]
		}
	}
	return r.normalized()
}

func (h Homography) normalized() Homography {
	if h[8] == 0 || h[8] == 1 {
		return h
	}
	for i := range h {
		h[i] /= h[8]
	}
	return h
}

// Apply maps (x, y). ok is false when the point maps to infinity.
func (h Homography) Apply(x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

// Inverse returns the inverse transform. ok is false when h is singular.
func (h Homography) Inverse() (Homography, bool) {
	a, b, c := h[0], h[1], h[2]
	d, e, f := h[3], h[4], h[5]
	g, k, l := h[6], h[7], h[8]
	det := a*(e*l-f*k) - b*(d*l-f*g) + c*(d*k-e*g)
	if math.Abs(det) < 1e-12 {
		return Homography{}, false
	}
	inv := Homography{
		(e*l - f*k) / det, (c*k - b*l) / det, (b*f - c*e) / det,
		(f*g - d*l) / det, (a*l - c*g) / det, (c*d - a*f) / det,
		(d*k - e*g) / det, (b*g - a*k) / det, (a*e - b*d) / det,
	}
	return inv.normalized(), true
}

// Det2 returns the determinant of the affine 2x2 block, the local area scale.
func (h Homography) Det2() float64 {
	return h[0]*h[4] - h[1]*h[3]
}

func (h Homography) finite() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// plausible rejects transforms that fold, flip or wildly rescale a frame.
func (h Homography) plausible() bool {
	if !h.finite() {
		return false
	}
	d := h.Det2()
	return d > 0.25 && d < 4 && math.Abs(h[6]) < 1e-3 && math.Abs(h[7]) < 1e-3
}

type point struct{ X, Y float64 }

type correspondence struct {
	src, dst point // src in the current frame, dst in the reference frame
}

// normalizer returns the Hartley conditioning transform for pts: centroid at
// the origin, mean distance sqrt(2).
func normalizer(pts []point) Homography {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx, cy = cx/n, cy/n
	var dist float64
	for _, p := range pts {
		dist += math.Hypot(p.X-cx, p.Y-cy)
	}
	dist /= n
	if dist < 1e-12 {
		return Identity()
	}
	s := math.Sqrt2 / dist
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
}

// fitHomography solves for the transform mapping every src onto its dst in
// the least-squares sense (h33 fixed to 1). Four correspondences give the
// exact DLT solution. ok is false for degenerate input.
func fitHomography(cs []correspondence) (Homography, bool) {
	if len(cs) < 4 {
		return Homography{}, false
	}
	src := make([]point, len(cs))
	dst := make([]point, len(cs))
	for i, c := range cs {
		src[i], dst[i] = c.src, c.dst
	}
	ts, td := normalizer(src), normalizer(dst)

	var ata [8][8]float64
	var atb [8]float64
	addRow := func(row [8]float64, rhs float64) {
		for i := 0; i < 8; i++ {
			for j := 0; j < 8; j++ {
				ata[i][j] += row[i] * row[j]
			}
			atb[i] += row[i] * rhs
		}
	}
	for i := range cs {
		x, y, _ := ts.Apply(src[i].X, src[i].Y)
		u, v, _ := td.Apply(dst[i].X, dst[i].Y)
		addRow([8]float64{x, y, 1, 0, 0, 0, -u * x, -u * y}, u)
		addRow([8]float64{0, 0, 0, x, y, 1, -v * x, -v * y}, v)
	}
	sol, ok := solve8(ata, atb)
	if !ok {
		return Homography{}, false
	}
	hn := Homography{sol[0], sol[1], sol[2], sol[3], sol[4], sol[5], sol[6], sol[7], 1}
	tdInv, ok := td.Inverse()
	if !ok {
		return Homography{}, false
	}
	h := tdInv.Mul(hn).Mul(ts)
	if !h.finite() {
		return Homography{}, false
	}
	return h, true
}

// solve8 solves a x = b by Gaussian elimination with partial pivoting.
func solve8(a [8][8]float64, b [8]float64) ([8]float64, bool) {
	const n = 8
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return [8]float64{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	var x [8]float64
	for r := n - 1; r >= 0; r-- {
		s := b[r]
		for c := r + 1; c < n; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, true
}

// reprojectionError2 returns the squared distance between h(src) and dst.
func reprojectionError2(h Homography, c correspondence) float64 {
	x, y, ok := h.Apply(c.src.X, c.src.Y)
	if !ok {
		return math.Inf(1)
	}
	dx, dy := x-c.dst.X, y-c.dst.Y
	return dx*dx + dy*dy
}
