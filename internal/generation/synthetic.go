package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const syntheticModel = "synthetic"

// Synthetic produces a deterministic stand-in for a model response: the
// source image tinted by a colour derived from the style and instruction,
// with the style stamped in the bottom-right corner.
type Synthetic struct{}

func (Synthetic) Generate(ctx context.Context, req Request) (Image, error) {
	select {
	case <-ctx.Done():
		return Image{}, ctx.Err()
	default:
	}

	src, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		return Image{}, fmt.Errorf("decode source image: %w", err)
	}

	tint := tintFor(req.Style, req.Instruction)
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	draw.Draw(dst, dst.Bounds(), image.NewUniform(tint), image.Point{}, draw.Over)

	label := strings.TrimSpace(req.Style)
	if label == "" {
		label = "custom"
	}
	stampText(dst, "portraitflow "+label, 0.8)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Image{}, fmt.Errorf("encode png: %w", err)
	}
	return Image{Data: buf.Bytes(), MimeType: "image/png", Model: syntheticModel}, nil
}

func tintFor(style, instruction string) color.RGBA {
	sum := sha256.Sum256([]byte(style + "|" + instruction))
	return color.RGBA{R: sum[0] / 4, G: sum[1] / 4, B: sum[2] / 4, A: 64}
}

func stampText(dst *image.RGBA, text string, opacity float64) {
	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()

	drawer := &font.Drawer{Dst: dst, Face: face}
	width := drawer.MeasureString(text).Ceil()

	const pad = 12
	bounds := dst.Bounds()
	x := clamp(bounds.Max.X-width-pad, bounds.Min.X, bounds.Max.X)
	y := clamp(bounds.Max.Y-pad, bounds.Min.Y+ascent, bounds.Max.Y)

	alpha := uint8(math.Round(opacity * 255))
	drawer.Src = image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: alpha})
	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
