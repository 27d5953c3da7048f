package stitch

import (
	"cmp"
	"math"
	"math/bits"
	"math/rand/v2"
	"slices"

	"github.com/cjeanneret/ReelGo/internal/imaging"
)

const (
	patchRadius = 15   // BRIEF sampling radius
	harrisK     = 0.04 // Harris sensitivity
	nmsRadius   = 3    // non-maximum suppression half-window
)

// descriptor is a 256-bit BRIEF binary string.
type descriptor [4]uint64

func hamming(a, b descriptor) int {
	return bits.OnesCount64(a[0]^b[0]) + bits.OnesCount64(a[1]^b[1]) +
		bits.OnesCount64(a[2]^b[2]) + bits.OnesCount64(a[3]^b[3])
}

type keypoint struct {
	X, Y     int
	Response float64
	Desc     descriptor
}

// briefPairs is the fixed BRIEF sampling pattern: isotropic Gaussian
// offsets clamped to the patch.
var briefPairs = func() [256][4]int {
	rng := rand.New(rand.NewPCG(0x52656c47, 0x42524945))
	clamp := func(v float64) int {
		i := int(math.Round(v))
		return max(-patchRadius, min(patchRadius, i))
	}
	sigma := float64(patchRadius) / 2.5
	var p [256][4]int
	for i := range p {
		p[i] = [4]int{
			clamp(rng.NormFloat64() * sigma), clamp(rng.NormFloat64() * sigma),
			clamp(rng.NormFloat64() * sigma), clamp(rng.NormFloat64() * sigma),
		}
	}
	return p
}()

// detect finds up to maxFeatures Harris corners in p and describes them.
// The output order is fully determined by the pixels.
func detect(p *imaging.Plane, maxFeatures int) []keypoint {
	border := patchRadius + 1
	if p.W <= 2*border+2*nmsRadius || p.H <= 2*border+2*nmsRadius {
		return nil
	}
	smooth := p.Blur()
	resp := harrisResponse(smooth)

	var peak float64
	for _, r := range resp {
		peak = max(peak, r)
	}
	if peak <= 0 {
		return nil
	}
	floor := peak * 0.01

	var kps []keypoint
	for y := border; y < p.H-border; y++ {
		for x := border; x < p.W-border; x++ {
			r := resp[y*p.W+x]
			if r <= floor || !localMax(resp, p.W, x, y, r) {
				continue
			}
			kps = append(kps, keypoint{X: x, Y: y, Response: r})
		}
	}
	slices.SortFunc(kps, func(a, b keypoint) int {
		if c := cmp.Compare(b.Response, a.Response); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Y, b.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.X, b.X)
	})
	if len(kps) > maxFeatures {
		kps = kps[:maxFeatures]
	}
	for i := range kps {
		kps[i].Desc = brief(smooth, kps[i].X, kps[i].Y)
	}
	return kps
}

// harrisResponse computes det(M) - k trace(M)^2 of the structure tensor
// summed over a 5x5 window.
func harrisResponse(p *imaging.Plane) []float64 {
	w, h := p.W, p.H
	ixx := make([]float64, w*h)
	iyy := make([]float64, w*h)
	ixy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := float64(p.Pix[y*w+x+1]-p.Pix[y*w+x-1]) / 2
			gy := float64(p.Pix[(y+1)*w+x]-p.Pix[(y-1)*w+x]) / 2
			i := y*w + x
			ixx[i], iyy[i], ixy[i] = gx*gx, gy*gy, gx*gy
		}
	}
	sxx := boxSum(ixx, w, h, 2)
	syy := boxSum(iyy, w, h, 2)
	sxy := boxSum(ixy, w, h, 2)
	resp := make([]float64, w*h)
	for i := range resp {
		tr := sxx[i] + syy[i]
		resp[i] = sxx[i]*syy[i] - sxy[i]*sxy[i] - harrisK*tr*tr
	}
	return resp
}

// boxSum sums v over a (2r+1)^2 window, treating outside pixels as zero.
func boxSum(v []float64, w, h, r int) []float64 {
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for k := max(0, x-r); k <= min(w-1, x+r); k++ {
				s += v[y*w+k]
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for k := max(0, y-r); k <= min(h-1, y+r); k++ {
				s += tmp[k*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

// localMax reports whether r is the strict maximum of its neighbourhood,
// ties going to the earliest pixel in raster order.
func localMax(resp []float64, w, x, y int, r float64) bool {
	h := len(resp) / w
	for dy := -nmsRadius; dy <= nmsRadius; dy++ {
		for dx := -nmsRadius; dx <= nmsRadius; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			o := resp[ny*w+nx]
			if o > r || (o == r && (dy < 0 || (dy == 0 && dx < 0))) {
				return false
			}
		}
	}
	return true
}

func brief(p *imaging.Plane, x, y int) descriptor {
	var d descriptor
	for i, pr := range briefPairs {
		a := p.Pix[(y+pr[1])*p.W+x+pr[0]]
		b := p.Pix[(y+pr[3])*p.W+x+pr[2]]
		if a < b {
			d[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return d
}

// match pairs descriptors by mutual nearest Hamming neighbour.
// Matches farther than maxDist are dropped.
func match(cur, ref []keypoint, maxDist int) []correspondence {
	if len(cur) == 0 || len(ref) == 0 {
		return nil
	}
	bestRef := make([]int, len(cur))
	bestRefDist := make([]int, len(cur))
	bestCur := make([]int, len(ref))
	bestCurDist := make([]int, len(ref))
	for j := range ref {
		bestCurDist[j] = math.MaxInt
	}
	for i := range cur {
		bestRefDist[i] = math.MaxInt
		for j := range ref {
			d := hamming(cur[i].Desc, ref[j].Desc)
			if d < bestRefDist[i] {
				bestRefDist[i], bestRef[i] = d, j
			}
			if d < bestCurDist[j] {
				bestCurDist[j], bestCur[j] = d, i
			}
		}
	}
	var out []correspondence
	for i, j := range bestRef {
		if bestRefDist[i] > maxDist || bestCur[j] != i {
			continue
		}
		out = append(out, correspondence{
			src: point{float64(cur[i].X), float64(cur[i].Y)},
			dst: point{float64(ref[j].X), float64(ref[j].Y)},
		})
	}
	return out
}
