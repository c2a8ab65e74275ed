package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// Downscale shrinks a PNG to maxWidth, preserving aspect ratio. Images that
// are already narrow enough are returned unchanged.
func Downscale(data []byte, maxWidth int) ([]byte, bool, error) {
	if maxWidth <= 0 {
		return data, false, nil
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode png header: %w", err)
	}
	if cfg.Width <= maxWidth {
		return data, false, nil
	}

	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode png: %w", err)
	}
	bounds := src.Bounds()
	height := bounds.Dy() * maxWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, dst); err != nil {
		return nil, false, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), true, nil
}
