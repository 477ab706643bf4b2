package types

import (
	"errors"
	"image"
	"time"
)

// Per-item error classes. They are captured inside a Result and delivered to
// the consumer like any other outcome; none of them aborts a scan.
var (
	// ErrInputUnavailable means pixel data could not be produced for an asset.
	ErrInputUnavailable = errors.New("input unavailable")
	// ErrBackendUnavailable means the detection backend failed to initialize.
	ErrBackendUnavailable = errors.New("detection backend unavailable")
	// ErrBackendProcessing means the backend failed for one specific image.
	ErrBackendProcessing = errors.New("detection backend processing error")
	// ErrMalformedImage means the decoded image cannot be turned into a pixel buffer.
	ErrMalformedImage = errors.New("malformed image")
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Rect is a rectangle. For a Face it is normalized: each component is a
// fraction of the image width or height with a top-left origin.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// Face is a single detected bounding box.
// Box is relative to the orientation-corrected image, never to pixel space.
type Face struct {
	Box        Rect
	Identifier string
}

// Absolute scales the normalized box by the actual pixel dimensions of the
// image being rendered. The result lies inside the image: X+W <= width and
// Y+H <= height.
func (f Face) Absolute(size Size) Rect {
	w, h := float64(size.Width), float64(size.Height)
	x := clamp(f.Box.X*w, w)
	y := clamp(f.Box.Y*h, h)
	return Rect{
		X: x,
		Y: y,
		W: clamp(f.Box.W*w, w-x),
		H: clamp(f.Box.H*h, h-y),
	}
}

func clamp(v, limit float64) float64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// Orientation is the EXIF orientation tag (1-8). Zero means unknown.
type Orientation int

const (
	// OrientationUnknown means the image carried no usable orientation tag.
	OrientationUnknown Orientation = 0
	// OrientationUp is the EXIF default: rows top to bottom, columns left to right.
	OrientationUp Orientation = 1
)

// OrDefault returns OrientationUp when the orientation is unknown or out of range.
func (o Orientation) OrDefault() Orientation {
	if o < 1 || o > 8 {
		return OrientationUp
	}
	return o
}

// Image is decoded pixel data for one asset plus the orientation read from it.
type Image struct {
	Pixels      image.Image
	Orientation Orientation
}

// Size returns the pixel dimensions, or the zero Size for an empty image.
func (i *Image) Size() Size {
	if i == nil || i.Pixels == nil {
		return Size{}
	}
	b := i.Pixels.Bounds()
	return Size{Width: b.Dx(), Height: b.Dy()}
}

// Result is the immutable outcome of one detection task.
type Result struct {
	faces      []Face
	hasFaces   bool
	identifier string
	err        error
	elapsed    time.Duration
}

// NewResult builds a successful result. The faces slice is copied.
func NewResult(identifier string, faces []Face, elapsed time.Duration) Result {
	cp := make([]Face, len(faces))
	copy(cp, faces)
	return Result{faces: cp, hasFaces: true, identifier: identifier, elapsed: elapsed}
}

// NewFailure builds a result whose faces are absent.
func NewFailure(identifier string, err error, elapsed time.Duration) Result {
	return Result{identifier: identifier, err: err, elapsed: elapsed}
}

// Faces returns a copy of the detected faces. The boolean is false when the
// faces are absent, which signals a failed item rather than zero detections.
func (r Result) Faces() ([]Face, bool) {
	if !r.hasFaces {
		return nil, false
	}
	cp := make([]Face, len(r.faces))
	copy(cp, r.faces)
	return cp, true
}

// FaceCount returns the number of detected faces, zero when absent.
func (r Result) FaceCount() int { return len(r.faces) }

// Identifier returns the source asset identifier.
func (r Result) Identifier() string { return r.identifier }

// Err returns the per-item error, if any.
func (r Result) Err() error { return r.err }

// Elapsed returns the time the backend spent on this item.
func (r Result) Elapsed() time.Duration { return r.elapsed }
