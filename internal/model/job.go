package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidVariant = errors.New("invalid model type")

// Status is the lifecycle state of a job.
//
//	queued -> processing -> completed | error | cancelled
//
// Terminal states are sinks.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Variant selects the detection model and the input sub-folder of a job.
type Variant string

const (
	VariantBlackBars        Variant = "black_bars"
	VariantWhiteBars        Variant = "white_bars"
	VariantTransparentBlack Variant = "transparent_black"

	DefaultVariant = VariantTransparentBlack
)

var Variants = []Variant{
	VariantBlackBars,
	VariantWhiteBars,
	VariantTransparentBlack,
}

// ParseVariant returns DefaultVariant for an empty string.
func ParseVariant(s string) (Variant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultVariant, nil
	}
	for _, v := range Variants {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrInvalidVariant)
}

// ImageExtensions lists extensions accepted on upload and recognized as
// artifacts, lower case and without the dot.
var ImageExtensions = []string{"png", "jpg", "jpeg", "webp"}

func IsImageName(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, e := range ImageExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Artifact is a result file attributed to a job.
type Artifact struct {
	Filename string `json:"filename"`
	Path     string `json:"-"`
}

// Job is a point-in-time snapshot of a job. Slices are never shared with the
// registry.
type Job struct {
	ID       string     `json:"jobId"`
	Variant  Variant    `json:"model_type"`
	Status   Status     `json:"status"`
	Inputs   []string   `json:"inputs,omitempty"`
	Results  []Artifact `json:"results"`
	Error    string     `json:"error,omitempty"`
	Created  time.Time  `json:"created"`
	Started  time.Time  `json:"started,omitzero"`
	Finished time.Time  `json:"finished,omitzero"`
}

func NewJobID() string {
	return uuid.NewString()
}
