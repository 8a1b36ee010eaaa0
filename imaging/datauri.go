package imaging

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDataURI is returned when a string is not a base64 data URI.
var ErrInvalidDataURI = errors.New("invalid data URI")

// EmbeddedImage is a self-describing image payload ready for transmission.
type EmbeddedImage struct {
	MimeType string
	Data     []byte
	FileName string
}

// Base64 returns the standard base64 encoding of the payload.
func (e EmbeddedImage) Base64() string {
	return base64.StdEncoding.EncodeToString(e.Data)
}

// DataURI renders the image as data:<mime>;base64,<payload>.
func (e EmbeddedImage) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", e.MimeType, e.Base64())
}

// ParseDataURI decodes a base64 data URI. The file name is left empty.
func ParseDataURI(uri string) (*EmbeddedImage, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURI)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidDataURI)
	}
	meta, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return nil, fmt.Errorf("%w: payload is not base64", ErrInvalidDataURI)
	}
	mimeType, _, _ := strings.Cut(meta, ";")
	if mimeType == "" {
		return nil, fmt.Errorf("%w: missing media type", ErrInvalidDataURI)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return &EmbeddedImage{MimeType: strings.ToLower(mimeType), Data: data}, nil
}
