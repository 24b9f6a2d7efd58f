// Package palm holds the domain types shared by the capture and submission flows.
package palm

import (
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side identifies which hand a print belongs to.
type Side int

const (
	// SideUnknown means the detector did not label the hand.
	SideUnknown Side = iota
	SideLeft
	SideRight
)

// String returns the label used in logs and API payloads.
func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "unknown"
	}
}

// Opposite returns the other hand. SideUnknown maps to itself.
func (s Side) Opposite() Side {
	switch s {
	case SideLeft:
		return SideRight
	case SideRight:
		return SideLeft
	default:
		return SideUnknown
	}
}

// ParseSide decodes a detector handedness label. Matching is case-insensitive.
func ParseSide(label string) (Side, bool) {
	switch {
	case strings.EqualFold(strings.TrimSpace(label), "left"):
		return SideLeft, true
	case strings.EqualFold(strings.TrimSpace(label), "right"):
		return SideRight, true
	default:
		return SideUnknown, false
	}
}

// Print is a captured palm ROI. The image must not be modified after creation.
type Print struct {
	ID         string
	Side       Side
	Image      image.Image
	CapturedAt time.Time
}

// NewPrint tags an ROI image with its side and a fresh identifier.
func NewPrint(side Side, img image.Image) Print {
	return Print{
		ID:         uuid.NewString(),
		Side:       side,
		Image:      img,
		CapturedAt: time.Now().UTC(),
	}
}

// EnrollmentRequest is a point-in-time copy of an enrollment buffer.
type EnrollmentRequest struct {
	Name  string
	Left  []Print
	Right []Print
}
