package imaging

import (
	"image"
	"math"
)

// EdgeThreshold is the Sobel gradient magnitude above which a pixel counts as an edge.
const EdgeThreshold = 150.0

// MeanStdDev returns the mean and population standard deviation of the luma plane.
func MeanStdDev(g *image.Gray) (mean, std float64) {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	n := float64(w * h)
	if n == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, p := range row {
			v := float64(p)
			sum += v
			sumSq += v * v
		}
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// LaplacianVariance returns the variance of the 4-neighbour Laplacian over the
// interior pixels. Images smaller than 3x3 score 0.
func LaplacianVariance(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	var sum, sumSq float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(g.Pix[y*g.Stride+x])
			l := float64(g.Pix[y*g.Stride+x-1]) +
				float64(g.Pix[y*g.Stride+x+1]) +
				float64(g.Pix[(y-1)*g.Stride+x]) +
				float64(g.Pix[(y+1)*g.Stride+x]) - 4*c
			sum += l
			sumSq += l * l
		}
	}
	n := float64((w - 2) * (h - 2))
	mean := sum / n
	return sumSq/n - mean*mean
}

// Sobel returns the horizontal and vertical Sobel responses at (x, y).
// The caller guarantees 1 <= x < w-1 and 1 <= y < h-1.
func Sobel(g *image.Gray, x, y int) (gx, gy float64) {
	s := g.Stride
	p := func(dx, dy int) float64 { return float64(g.Pix[(y+dy)*s+x+dx]) }
	gx = (p(1, -1) + 2*p(1, 0) + p(1, 1)) - (p(-1, -1) + 2*p(-1, 0) + p(-1, 1))
	gy = (p(-1, 1) + 2*p(0, 1) + p(1, 1)) - (p(-1, -1) + 2*p(0, -1) + p(1, -1))
	return gx, gy
}

// EdgeDensity returns the fraction of interior pixels whose Sobel gradient
// magnitude exceeds EdgeThreshold.
func EdgeDensity(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	edges := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx, gy := Sobel(g, x, y)
			if math.Hypot(gx, gy) > EdgeThreshold {
				edges++
			}
		}
	}
	return float64(edges) / float64((w-2)*(h-2))
}
