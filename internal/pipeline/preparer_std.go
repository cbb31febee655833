package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/webp"
)

type stdlibPreparer struct{}

// Prepare decodes JPEG, PNG or WebP input, downscales it to maxWidth when it
// is wider (maxWidth <= 0 keeps the size), and re-encodes it as PNG.
func (stdlibPreparer) Prepare(ctx context.Context, input []byte, maxWidth int) (Image, error) {
	select {
	case <-ctx.Done():
		return Image{}, ctx.Err()
	default:
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUndecodableInput, err)
	}

	out := src
	if maxWidth > 0 && src.Bounds().Dx() > maxWidth {
		out, err = resizeToWidth(src, maxWidth)
		if err != nil {
			return Image{}, err
		}
	}

	data, err := encodePNG(out)
	if err != nil {
		return Image{}, err
	}

	bounds := out.Bounds()
	return Image{Data: data, Format: "png", Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func resizeToWidth(src image.Image, width int) (image.Image, error) {
	if width <= 0 {
		return nil, errors.New("resize requires width > 0")
	}

	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("%w: invalid dimensions", ErrUndecodableInput)
	}

	if width == srcW {
		return cloneImage(src), nil
	}

	scale := float64(width) / float64(srcW)
	height := int(math.Round(float64(srcH) * scale))
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := srcBounds.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := srcBounds.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}

	return dst, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func cloneImage(src image.Image) image.Image {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}
