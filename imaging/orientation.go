package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

// exifOrientation reads the EXIF orientation tag, defaulting to 1.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// orient returns img rotated/flipped so that it displays upright for the
// given EXIF orientation value.
func orient(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// dst maps a source pixel offset to its destination coordinates.
	var dst func(x, y int) (int, int)
	outW, outH := w, h
	switch orientation {
	case 2:
		dst = func(x, y int) (int, int) { return w - 1 - x, y }
	case 3:
		dst = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 4:
		dst = func(x, y int) (int, int) { return x, h - 1 - y }
	case 5:
		outW, outH = h, w
		dst = func(x, y int) (int, int) { return y, x }
	case 6:
		outW, outH = h, w
		dst = func(x, y int) (int, int) { return h - 1 - y, x }
	case 7:
		outW, outH = h, w
		dst = func(x, y int) (int, int) { return h - 1 - y, w - 1 - x }
	case 8:
		outW, outH = h, w
		dst = func(x, y int) (int, int) { return y, w - 1 - x }
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := dst(x, y)
			out.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// fitWithin scales img down so neither side exceeds maxDim. Images already
// within bounds are returned unchanged.
func fitWithin(img image.Image, maxDim int) (image.Image, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img, false
	}
	scale := float64(maxDim) / float64(w)
	if s := float64(maxDim) / float64(h); s < scale {
		scale = s
	}
	nw, nh := max(1, min(maxDim, int(float64(w)*scale))), max(1, min(maxDim, int(float64(h)*scale)))

	out := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, draw.Over, nil)
	return out, true
}

// shrink decodes data, applies EXIF orientation and rescales it to maxDim,
// re-encoding as JPEG. It reports false when the input is left untouched.
func shrink(data []byte, maxDim, quality int) ([]byte, bool, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read image header: %w", err)
	}
	if cfg.Width <= maxDim && cfg.Height <= maxDim {
		return data, false, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode image: %w", err)
	}
	orientation := exifOrientation(data)
	img = orient(img, orientation)
	img, _ = fitWithin(img, maxDim)

	out, err := encodeJPEG(img, quality)
	if err != nil {
		return nil, false, err
	}
	log.Debugf("Image downscaled: %d bytes -> %d bytes (original %dx%d, max %d, orientation %d)",
		len(data), len(out), cfg.Width, cfg.Height, maxDim, orientation)
	return out, true, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
