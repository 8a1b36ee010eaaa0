// Package imaging turns uploaded files into embedded images that can be sent
// to a multimodal model.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	_ "image/gif"
	_ "image/png"
	"path/filepath"
	"strings"

	"periodontal-analyzer/models"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	DefaultJPEGQuality = 80

	mimeJPEG = "image/jpeg"
)

var (
	// ErrUnsupportedMedia is returned for uploads that are not images.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrEmptyUpload is returned when an upload carries no bytes.
	ErrEmptyUpload = errors.New("uploaded file is empty")
)

// ConversionError reports a failed camera-raw decode or re-encode.
type ConversionError struct {
	FileName string
	Err      error
}

func (e *ConversionError) Error() string {
	return "Failed to convert HEIC image."
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

var cameraRawExtensions = map[string]bool{".heic": true, ".heif": true}

var cameraRawTypes = map[string]bool{
	"image/heic":          true,
	"image/heif":          true,
	"image/heic-sequence": true,
	"image/heif-sequence": true,
}

// IsCameraRaw reports whether the file name carries a HEIC/HEIF extension.
func IsCameraRaw(fileName string) bool {
	return cameraRawExtensions[strings.ToLower(filepath.Ext(fileName))]
}

// IsAccepted reports whether an upload may enter a batch: any image media
// type, or a camera-raw file regardless of its declared type.
func IsAccepted(fileName, contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/") || IsCameraRaw(fileName)
}

// Options tunes the normalizer.
type Options struct {
	// JPEGQuality is used when re-encoding camera-raw or downscaled images.
	JPEGQuality int
	// MaxDimension bounds the longest side of ordinary images. Zero keeps
	// uploads byte-for-byte.
	MaxDimension int
}

// Normalizer converts uploads into embedded images.
type Normalizer struct {
	opts Options
}

// NewNormalizer returns a Normalizer, filling unset options with defaults.
func NewNormalizer(opts Options) *Normalizer {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	return &Normalizer{opts: opts}
}

// Normalize returns the embedded representation of up. Camera-raw files are
// converted to JPEG; everything else is used as-is unless a maximum
// dimension is configured.
func (n *Normalizer) Normalize(ctx context.Context, up models.UploadedImage) (*EmbeddedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(up.Data) == 0 {
		return nil, ErrEmptyUpload
	}

	mimeType := detectMimeType(up.ContentType, up.Data)
	if IsCameraRaw(up.FileName) || cameraRawTypes[mimeType] {
		return n.convertCameraRaw(up)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}

	out := &EmbeddedImage{MimeType: mimeType, Data: up.Data, FileName: up.FileName}
	if n.opts.MaxDimension > 0 {
		data, resized, err := shrink(up.Data, n.opts.MaxDimension, n.opts.JPEGQuality)
		switch {
		case err != nil:
			// The model may still accept formats we cannot decode locally.
			log.WithField("file", up.FileName).Debugf("Skipping downscale: %v", err)
		case resized:
			out.Data = data
			out.MimeType = mimeJPEG
		}
	}
	return out, nil
}

func (n *Normalizer) convertCameraRaw(up models.UploadedImage) (*EmbeddedImage, error) {
	img, err := heic.Decode(bytes.NewReader(up.Data))
	if err != nil {
		return nil, &ConversionError{FileName: up.FileName, Err: err}
	}
	if n.opts.MaxDimension > 0 {
		img, _ = fitWithin(img, n.opts.MaxDimension)
	}
	data, err := encodeJPEG(img, n.opts.JPEGQuality)
	if err != nil {
		return nil, &ConversionError{FileName: up.FileName, Err: err}
	}

	name := strings.TrimSuffix(up.FileName, filepath.Ext(up.FileName)) + ".jpg"
	log.Infof("Converted %s to JPEG: %d bytes -> %d bytes", up.FileName, len(up.Data), len(data))
	return &EmbeddedImage{MimeType: mimeJPEG, Data: data, FileName: name}, nil
}

// detectMimeType prefers the declared media type and sniffs the payload only
// when the declaration is missing or generic.
func detectMimeType(declared string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if base, _, _ := strings.Cut(declared, ";"); base != "" && base != "application/octet-stream" {
		return strings.TrimSpace(base)
	}
	sniffed := mimetype.Detect(data).String()
	base, _, _ := strings.Cut(sniffed, ";")
	return base
}

