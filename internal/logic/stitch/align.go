package stitch

import (
	"math"
	"math/rand/v2"

	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// Alignment failure reasons.
const (
	ReasonFewFeatures = "too few features"
	ReasonFewMatches  = "too few matches"
	ReasonLowInliers  = "inlier ratio below floor"
	ReasonLowNCC      = "correlation below floor"
	ReasonDegenerate  = "degenerate transform"
	ReasonNoOverlap   = "no overlap"
	ReasonSizeChanged = "frame size differs from reference"
)

// prepared is a frame reduced to what an aligner needs, cached so each
// frame is analysed once.
type prepared struct {
	seq    int
	w, h   int // full-resolution size
	factor float64
	plane  *imaging.Plane // working-resolution luma
	kps    []keypoint
	pyr    []*imaging.Plane
}

// pairwise is the outcome of aligning a frame to its reference.
type pairwise struct {
	H       Homography // current -> reference, full resolution
	Inliers int
	Ratio   float64 // inlier ratio or correlation, by method
	Reason  string  // non-empty on failure
}

type aligner interface {
	prepare(f *imaging.Frame) *prepared
	align(ref, cur *prepared) pairwise
}

// workingPlane halves the luma plane until it fits within width.
func workingPlane(f *imaging.Frame, width int) (*imaging.Plane, float64) {
	p := imaging.PlaneFromGray(f.Gray)
	factor := 1.0
	for width > 0 && p.W > width && p.W > 1 {
		p = p.Half()
		factor *= 2
	}
	return p, factor
}

// toFull lifts a working-resolution transform to full resolution.
func toFull(h Homography, factor float64) Homography {
	if factor == 1 {
		return h
	}
	return scaling(factor).Mul(h).Mul(scaling(1 / factor))
}

// featureAligner matches Harris/BRIEF keypoints and fits a homography with RANSAC.
type featureAligner struct {
	cfg Config
}

func (a *featureAligner) prepare(f *imaging.Frame) *prepared {
	p, factor := workingPlane(f, a.cfg.WorkWidth)
	return &prepared{
		seq:    f.Seq,
		w:      f.Width(),
		h:      f.Height(),
		factor: factor,
		plane:  p,
		kps:    detect(p, a.cfg.MaxFeatures),
	}
}

func (a *featureAligner) align(ref, cur *prepared) pairwise {
	if len(cur.kps) < 4 || len(ref.kps) < 4 {
		return pairwise{Reason: ReasonFewFeatures}
	}
	matches := match(cur.kps, ref.kps, a.cfg.MaxHamming)
	if len(matches) < a.cfg.MinMatches {
		return pairwise{Reason: ReasonFewMatches, Ratio: 0}
	}
	h, inliers, ok := ransac(matches, a.cfg.RansacIterations, a.cfg.RansacThreshold, pairSeed(ref.seq, cur.seq))
	ratio := float64(inliers) / float64(len(matches))
	if !ok || !h.plausible() {
		return pairwise{Reason: ReasonDegenerate, Inliers: inliers, Ratio: ratio}
	}
	if ratio < a.cfg.MinInlierRatio {
		return pairwise{Reason: ReasonLowInliers, Inliers: inliers, Ratio: ratio}
	}
	return pairwise{H: toFull(h, cur.factor), Inliers: inliers, Ratio: ratio}
}

// pairSeed derives the RANSAC seed from the frame pair so the same pair is
// always fitted identically.
func pairSeed(refSeq, curSeq int) [2]uint64 {
	return [2]uint64{uint64(uint32(refSeq))<<32 | uint64(uint32(curSeq)), 0x5354495443480001}
}

// ransac fits a homography to matches, returning it with its inlier count.
func ransac(matches []correspondence, iterations int, threshold float64, seed [2]uint64) (Homography, int, bool) {
	n := len(matches)
	if n < 4 {
		return Homography{}, 0, false
	}
	rng := rand.New(rand.NewPCG(seed[0], seed[1]))
	thr2 := threshold * threshold

	var best Homography
	bestCount := 0
	sample := make([]correspondence, 4)
	for it := 0; it < iterations; it++ {
		idx := sampleDistinct(rng, n)
		for k, i := range idx {
			sample[k] = matches[i]
		}
		if collinear(sample) {
			continue
		}
		h, ok := fitHomography(sample)
		if !ok {
			continue
		}
		count := 0
		for _, m := range matches {
			if reprojectionError2(h, m) < thr2 {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = h, count
			if bestCount == n {
				break
			}
		}
	}
	if bestCount < 4 {
		return Homography{}, bestCount, false
	}

	inliers := make([]correspondence, 0, bestCount)
	for _, m := range matches {
		if reprojectionError2(best, m) < thr2 {
			inliers = append(inliers, m)
		}
	}
	if refit, ok := fitHomography(inliers); ok {
		count := 0
		for _, m := range matches {
			if reprojectionError2(refit, m) < thr2 {
				count++
			}
		}
		if count >= bestCount {
			best, bestCount = refit, count
		}
	}
	return best, bestCount, true
}

func sampleDistinct(rng *rand.Rand, n int) [4]int {
	var idx [4]int
	for k := 0; k < 4; k++ {
	draw:
		for {
			c := rng.IntN(n)
			for j := 0; j < k; j++ {
				if idx[j] == c {
					continue draw
				}
			}
			idx[k] = c
			break
		}
	}
	return idx
}

// collinear reports whether any three source or destination points of the
// sample are (nearly) on one line.
func collinear(s []correspondence) bool {
	area := func(a, b, c point) float64 {
		return math.Abs((b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X))
	}
	tri := [4][3]int{{0, 1, 2}, {0, 1, 3}, {0, 2, 3}, {1, 2, 3}}
	for _, t := range tri {
		if area(s[t[0]].src, s[t[1]].src, s[t[2]].src) < 1 ||
			area(s[t[0]].dst, s[t[1]].dst, s[t[2]].dst) < 1 {
			return true
		}
	}
	return false
}

// intensityAligner estimates a translation by coarse-to-fine correlation.
type intensityAligner struct {
	cfg Config
}

// minOverlap is the smallest overlap, as a fraction of the frame area,
// considered by the coarse search.
const minOverlap = 0.2

func (a *intensityAligner) prepare(f *imaging.Frame) *prepared {
	p, factor := workingPlane(f, a.cfg.WorkWidth)
	return &prepared{
		seq:    f.Seq,
		w:      f.Width(),
		h:      f.Height(),
		factor: factor,
		plane:  p,
		pyr:    imaging.Pyramid(p, a.cfg.PyramidLevels, 16),
	}
}

func (a *intensityAligner) align(ref, cur *prepared) pairwise {
	levels := min(len(ref.pyr), len(cur.pyr))
	top := levels - 1
	tx, ty, score := coarseSearch(ref.pyr[top], cur.pyr[top])
	if math.IsInf(score, -1) {
		return pairwise{Reason: ReasonNoOverlap}
	}
	for l := top; l >= 0; l-- {
		if l != top {
			tx, ty = tx*2, ty*2
		}
		tx, ty = refineTranslation(ref.pyr[l], cur.pyr[l], tx, ty, 20)
	}
	ncc, ok := correlation(ref.pyr[0], cur.pyr[0], tx, ty)
	if !ok {
		return pairwise{Reason: ReasonNoOverlap}
	}
	if ncc < a.cfg.MinCorrelation {
		return pairwise{Reason: ReasonLowNCC, Ratio: ncc}
	}
	return pairwise{H: toFull(Translation(tx, ty), cur.factor), Ratio: ncc}
}

// coarseSearch scores every integer translation keeping at least minOverlap
// of the frame in common and returns the best one. Ties keep the first found.
func coarseSearch(ref, cur *imaging.Plane) (float64, float64, float64) {
	best := math.Inf(-1)
	var bx, by int
	minArea := minOverlap * float64(cur.W*cur.H)
	for dy := -(cur.H - 1); dy < ref.H; dy++ {
		for dx := -(cur.W - 1); dx < ref.W; dx++ {
			ow := min(ref.W, dx+cur.W) - max(0, dx)
			oh := min(ref.H, dy+cur.H) - max(0, dy)
			if float64(ow*oh) < minArea {
				continue
			}
			s, ok := correlation(ref, cur, float64(dx), float64(dy))
			if ok && s > best {
				best, bx, by = s, dx, dy
			}
		}
	}
	return float64(bx), float64(by), best
}

// correlation is the zero-mean normalised cross-correlation between cur and
// ref shifted by (tx, ty) over their overlap.
func correlation(ref, cur *imaging.Plane, tx, ty float64) (float64, bool) {
	var n, sa, sb, saa, sbb, sab float64
	integral := tx == math.Trunc(tx) && ty == math.Trunc(ty)
	for y := 0; y < cur.H; y++ {
		for x := 0; x < cur.W; x++ {
			var rv float64
			if integral {
				rx, ry := x+int(tx), y+int(ty)
				if rx < 0 || ry < 0 || rx >= ref.W || ry >= ref.H {
					continue
				}
				rv = float64(ref.Pix[ry*ref.W+rx])
			} else {
				v, ok := ref.Bilinear(float64(x)+tx, float64(y)+ty)
				if !ok {
					continue
				}
				rv = v
			}
			cv := float64(cur.Pix[y*cur.W+x])
			n++
			sa += cv
			sb += rv
			saa += cv * cv
			sbb += rv * rv
			sab += cv * rv
		}
	}
	if n < 16 {
		return 0, false
	}
	va := saa - sa*sa/n
	vb := sbb - sb*sb/n
	if va <= 1e-9 || vb <= 1e-9 {
		return 0, true
	}
	return (sab - sa*sb/n) / math.Sqrt(va*vb), true
}

// refineTranslation runs Gauss-Newton (Lucas-Kanade) iterations on the
// translation mapping cur onto ref.
func refineTranslation(ref, cur *imaging.Plane, tx, ty float64, iterations int) (float64, float64) {
	for it := 0; it < iterations; it++ {
		var gxx, gxy, gyy, bx, by float64
		for y := 1; y < cur.H-1; y++ {
			for x := 1; x < cur.W-1; x++ {
				px, py := float64(x)+tx, float64(y)+ty
				r, ok := ref.Bilinear(px, py)
				if !ok {
					continue
				}
				r1, ok1 := ref.Bilinear(px+1, py)
				r0, ok0 := ref.Bilinear(px-1, py)
				s1, okS1 := ref.Bilinear(px, py+1)
				s0, okS0 := ref.Bilinear(px, py-1)
				if !ok1 || !ok0 || !okS1 || !okS0 {
					continue
				}
				gx, gy := (r1-r0)/2, (s1-s0)/2
				e := r - float64(cur.Pix[y*cur.W+x])
				gxx += gx * gx
				gxy += gx * gy
				gyy += gy * gy
				bx += gx * e
				by += gy * e
			}
		}
		det := gxx*gyy - gxy*gxy
		if math.Abs(det) < 1e-9 {
			break
		}
		dx := -(gyy*bx - gxy*by) / det
		dy := -(gxx*by - gxy*bx) / det
		if math.Abs(dx) > 2 || math.Abs(dy) > 2 {
			// diverging; keep the coarse estimate
			break
		}
		tx, ty = tx+dx, ty+dy
		if math.Abs(dx) < 0.01 && math.Abs(dy) < 0.01 {
			break
		}
	}
	return tx, ty
}
