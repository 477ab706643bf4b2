// Package engine adapts face-detection backends to one completion style.
//
// Two kinds are blocking: each serializes every call through its own lane,
// and Detect blocks the calling goroutine until the lane has produced a
// result. The remote kind is callback based: Detect returns at once and the
// continuation fires later from the request goroutine. Either way the done
// continuation is invoked exactly once.
package engine

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/andresmejia3/facescan/internal/types"
)

// Kind selects a detection backend.
type Kind int

const (
	// KindCascade is a blocking backend whose native origin is bottom-left
	// and which needs an explicit orientation hint.
	KindCascade Kind = iota
	// KindLandmark is a blocking backend with a top-left native origin.
	KindLandmark
	// KindRemote is a callback backend backed by an HTTP detection service.
	KindRemote
)

// Kinds lists every backend in declaration order.
var Kinds = []Kind{KindCascade, KindLandmark, KindRemote}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCascade:
		return "cascade"
	case KindLandmark:
		return "landmark"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Blocking reports whether Detect blocks the caller until the result is ready.
func (k Kind) Blocking() bool { return k == KindCascade || k == KindLandmark }

// ParseKind converts a configuration name into a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown engine %q (want cascade, landmark or remote)", s)
}

// Engine detects faces in one image. done is called exactly once with the
// outcome; failures are reported as results with absent faces.
type Engine interface {
	Detect(ctx context.Context, img *types.Image, identifier string, done func(types.Result))
}

// Detector is a native backend returning pixel-space rectangles in its own
// coordinate convention. Implementations need not be safe for concurrent use.
type Detector interface {
	Detect(img image.Image, orientation types.Orientation) ([]image.Rectangle, error)
}

// DetectorFactory constructs the single Detector instance of a blocking kind.
type DetectorFactory func() (Detector, error)

// once wraps fn so that only its first invocation has any effect.
func once(fn func(types.Result)) func(types.Result) {
	var o sync.Once
	return func(r types.Result) {
		o.Do(func() { fn(r) })
	}
}

func validate(img *types.Image) error {
	if img == nil || img.Pixels == nil {
		return fmt.Errorf("%w: no pixel buffer", types.ErrMalformedImage)
	}
	if s := img.Size(); s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: empty image %dx%d", types.ErrMalformedImage, s.Width, s.Height)
	}
	return nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
