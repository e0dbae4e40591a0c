package labels

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	// Label raster formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/classes"
)

// Decoder maps one pixel to a class ID.
type Decoder func(c color.Color) (int, error)

// GrayDecoder reads the class ID straight from the pixel value. Gray and
// Gray16 pixels are used as is; other pixels must have equal R, G and B
// channels (e.g. #020202 is class 2).
func GrayDecoder(c color.Color) (int, error) {
	switch v := c.(type) {
	case color.Gray:
		return int(v.Y), nil
	case color.Gray16:
		return int(v.Y), nil
	}

	r, g, b, a := c.RGBA()
	if r != g || g != b {
		return 0, fmt.Errorf("label pixel has unequal channels %d, %d, %d", r, g, b)
	}
	if a == 0 {
		return 0, nil
	}

	// Channels are alpha-premultiplied.
	return int(math.Round(255 * float64(r) / float64(a))), nil
}

// RGBDecoder maps class colors to IDs. Colors not in colorToID decode to
// unknown.
func RGBDecoder(colorToID map[color.RGBA]int, unknown int) Decoder {
	return func(c color.Color) (int, error) {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		if id, ok := colorToID[color.RGBA{R: n.R, G: n.G, B: n.B, A: 255}]; ok {
			return id, nil
		}
		return unknown, nil
	}
}

// FromImage decodes every pixel of img into a Grid-backed source.
func FromImage(img image.Image, decode Decoder, nullClassID int) (*ArraySource, error) {
	b := img.Bounds()
	grid := &Grid{Rect: b, Cells: make([]int, 0, b.Dx()*b.Dy())}

	// Label rasters hold few distinct colors.
	cache := make(map[color.Color]int)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			id, ok := cache[c]
			if !ok {
				var err error
				if id, err = decode(c); err != nil {
					return nil, fmt.Errorf("pixel (%d, %d): %w", x, y, err)
				}
				cache[c] = id
			}
			grid.Cells = append(grid.Cells, id)
		}
	}

	return NewArraySource(grid, nullClassID)
}

// Open loads a label raster (PNG, GIF, JPEG, BMP or TIFF) from a local path
// or gs:// URI. With rgb set, pixels are matched against the class colors;
// otherwise the pixel value is the class ID.
func Open(ctx context.Context, opener *blob.Opener, uri string, cfg *classes.Config, rgb bool) (*ArraySource, error) {
	data, err := opener.ReadAll(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("reading labels %s: %w", uri, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding labels %s: %w", uri, err)
	}

	null := cfg.NullClassID()
	decode := GrayDecoder
	if rgb {
		colorToID, err := cfg.ColorToID()
		if err != nil {
			return nil, err
		}
		decode = RGBDecoder(colorToID, null)
	}

	src, err := FromImage(img, decode, null)
	if err != nil {
		return nil, fmt.Errorf("decoding %s labels %s: %w", format, uri, err)
	}
	return src, nil
}
