//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsPreparer struct{}

func (govipsPreparer) Prepare(ctx context.Context, input []byte, maxWidth int) (Image, error) {
	select {
	case <-ctx.Done():
		return Image{}, ctx.Err()
	default:
	}

	switch vips.DetermineImageType(input) {
	case vips.ImageTypeJPEG, vips.ImageTypePNG, vips.ImageTypeWEBP:
	default:
		return Image{}, fmt.Errorf("%w: unsupported image type", ErrUndecodableInput)
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUndecodableInput, err)
	}
	defer img.Close()

	if maxWidth > 0 && img.Width() > maxWidth {
		scale := float64(maxWidth) / float64(img.Width())
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return Image{}, fmt.Errorf("resize image: %w", err)
		}
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return Image{}, fmt.Errorf("encode png: %w", err)
	}
	return Image{Data: data, Format: "png", Width: img.Width(), Height: img.Height()}, nil
}
