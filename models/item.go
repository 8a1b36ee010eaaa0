package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of one uploaded image.
type Status string

const (
	StatusPending     Status = "pending"
	StatusNormalizing Status = "normalizing"
	StatusClassifying Status = "classifying"
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further transition can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// UploadedImage is an accepted upload. It is immutable once created.
type UploadedImage struct {
	ID          string
	FileName    string
	ContentType string
	ModTime     time.Time
	Data        []byte
}

// ImageID derives an item identity from the file name and modification time.
func ImageID(fileName string, modTime time.Time) string {
	return fmt.Sprintf("%s-%d", fileName, modTime.UnixMilli())
}

// NewUploadedImage builds an UploadedImage with its derived identity.
func NewUploadedImage(fileName, contentType string, modTime time.Time, data []byte) UploadedImage {
	return UploadedImage{
		ID:          ImageID(fileName, modTime),
		FileName:    fileName,
		ContentType: contentType,
		ModTime:     modTime,
		Data:        data,
	}
}

// ImageItemState is the per-item view rendered by clients.
//
// Result is set only in StatusDone and Error only in StatusError.
type ImageItemState struct {
	ID         string                `json:"id"`
	BatchID    string                `json:"batchId"`
	Generation uint64                `json:"generation"`
	FileName   string                `json:"fileName"`
	Status     Status                `json:"status"`
	DataURI    string                `json:"dataUri,omitempty"`
	Result     *ClassificationResult `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	Symptoms   []string              `json:"symptoms"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// WithoutDataURI returns a copy of s with the embedded image left out.
func (s ImageItemState) WithoutDataURI() ImageItemState {
	s.DataURI = ""
	return s
}
