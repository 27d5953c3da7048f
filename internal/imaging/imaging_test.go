package imaging

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"
)

func uniformGray(w, h int, v uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

func checkerboard(w, h, cell int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				g.SetGray(x, y, color.Gray{Y: 230})
			} else {
				g.SetGray(x, y, color.Gray{Y: 20})
			}
		}
	}
	return g
}

func TestLuma_RGBAndOffsetBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 14, 12))
	for y := 10; y < 12; y++ {
		for x := 10; x < 14; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	g := Luma(img)
	if g.Rect != image.Rect(0, 0, 4, 2) {
		t.Fatalf("luma bounds = %v, want origin-anchored 4x2", g.Rect)
	}
	for _, p := range g.Pix {
		if p != 255 {
			t.Fatalf("white pixel converted to %d", p)
		}
	}
}

func TestMeanStdDev(t *testing.T) {
	mean, std := MeanStdDev(uniformGray(8, 8, 100))
	if mean != 100 || std != 0 {
		t.Errorf("uniform: mean=%v std=%v", mean, std)
	}

	g := image.NewGray(image.Rect(0, 0, 2, 1))
	g.Pix[0], g.Pix[1] = 0, 200
	mean, std = MeanStdDev(g)
	if mean != 100 || math.Abs(std-100) > 1e-9 {
		t.Errorf("two-value: mean=%v std=%v", mean, std)
	}

	mean, std = MeanStdDev(image.NewGray(image.Rectangle{}))
	if mean != 0 || std != 0 {
		t.Errorf("empty: mean=%v std=%v", mean, std)
	}
}

func TestLaplacianVariance_SharpVersusFlat(t *testing.T) {
	if v := LaplacianVariance(uniformGray(32, 32, 128)); v != 0 {
		t.Errorf("flat image variance = %v, want 0", v)
	}
	sharp := LaplacianVariance(checkerboard(32, 32, 2))
	blurred := LaplacianVariance(blurGray(checkerboard(32, 32, 2)))
	if sharp <= blurred {
		t.Errorf("sharp (%v) should exceed blurred (%v)", sharp, blurred)
	}
	if v := LaplacianVariance(uniformGray(2, 2, 10)); v != 0 {
		t.Errorf("tiny image variance = %v, want 0", v)
	}
}

func blurGray(g *image.Gray) *image.Gray {
	p := PlaneFromGray(g).Blur().Blur()
	out := image.NewGray(g.Rect)
	for i, v := range p.Pix {
		out.Pix[i] = uint8(v + 0.5)
	}
	return out
}

func TestEdgeDensity(t *testing.T) {
	if d := EdgeDensity(uniformGray(16, 16, 200)); d != 0 {
		t.Errorf("flat density = %v, want 0", d)
	}
	if d := EdgeDensity(checkerboard(32, 32, 4)); d < 0.2 {
		t.Errorf("checkerboard density = %v, want a large fraction", d)
	}
}

func TestPlane_Bilinear(t *testing.T) {
	p := NewPlane(2, 2)
	copy(p.Pix, []float32{0, 10, 20, 30})

	v, ok := p.Bilinear(0.5, 0.5)
	if !ok || math.Abs(v-15) > 1e-6 {
		t.Errorf("center = %v ok=%v, want 15", v, ok)
	}
	if _, ok := p.Bilinear(1.5, 0); ok {
		t.Error("sample outside the plane should report !ok")
	}
	if v, ok := p.Bilinear(1, 1); !ok || v != 30 {
		t.Errorf("corner = %v ok=%v, want 30", v, ok)
	}
}

func TestPyramid_StopsAtMinSize(t *testing.T) {
	p := NewPlane(64, 40)
	pyr := Pyramid(p, 6, 8)
	// 64x40 -> 32x20 -> 16x10 -> (8x5 too small)
	if len(pyr) != 3 {
		t.Fatalf("levels = %d, want 3", len(pyr))
	}
	if pyr[2].W != 16 || pyr[2].H != 10 {
		t.Errorf("top level = %dx%d, want 16x10", pyr[2].W, pyr[2].H)
	}
}

func TestCodec_PNGRoundTripAndTIFF(t *testing.T) {
	src := checkerboard(8, 8, 2)

	var buf bytes.Buffer
	if err := EncodePNG(&buf, src); err != nil {
		t.Fatal(err)
	}
	img, err := DecodeBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != src.Bounds() {
		t.Errorf("decoded bounds = %v", img.Bounds())
	}

	buf.Reset()
	if err := EncodeTIFF(&buf, src); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(&buf); err != nil {
		t.Errorf("TIFF should decode back: %v", err)
	}

	if _, err := DecodeBytes(nil); err == nil {
		t.Error("empty buffer should fail")
	}
}

func TestScale(t *testing.T) {
	src := checkerboard(40, 20, 4)
	out := Scale(src, 0.5)
	if out.Bounds().Dx() != 20 || out.Bounds().Dy() != 10 {
		t.Errorf("scaled bounds = %v", out.Bounds())
	}
	if Scale(src, 1) != image.Image(src) {
		t.Error("factor 1 should return the source image")
	}
}

func TestFrame_WithSeq(t *testing.T) {
	f := NewFrame(uniformGray(4, 3, 50))
	g := f.WithSeq(7)
	if f.Seq != -1 || g.Seq != 7 {
		t.Errorf("seq: original=%d copy=%d", f.Seq, g.Seq)
	}
	if g.Width() != 4 || g.Height() != 3 || g.Empty() {
		t.Errorf("dimensions = %dx%d", g.Width(), g.Height())
	}
	var nilFrame *Frame
	if !nilFrame.Empty() {
		t.Error("nil frame should be empty")
	}
}
