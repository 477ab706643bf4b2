package engine

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/facescan/internal/lane"
	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/types"
)

// variant holds the per-kind differences of the blocking backends.
type variant struct {
	// flipY converts a bottom-left native origin to top-left.
	flipY bool
	// orientationHint passes the image orientation to the detector.
	orientationHint bool
}

var variants = map[Kind]variant{
	KindCascade:  {flipY: true, orientationHint: true},
	KindLandmark: {},
}

// blockingEngine owns one detector and one lane. The detector is created,
// used and closed only on the lane goroutine.
type blockingEngine struct {
	kind    Kind
	variant variant
	lane    *lane.Lane
	factory DetectorFactory
	logger  *logging.Logger
	now     func() time.Time

	// lane-confined
	detector Detector
	initErr  error
	inited   bool
}

func newBlockingEngine(kind Kind, factory DetectorFactory, logger *logging.Logger) *blockingEngine {
	return &blockingEngine{
		kind:    kind,
		variant: variants[kind],
		lane:    lane.New("engine-" + kind.String()),
		factory: factory,
		logger:  logger.With("component", "engine", "engine", kind.String()),
		now:     time.Now,
	}
}

// Detect blocks the caller until the lane has run the detection.
func (e *blockingEngine) Detect(ctx context.Context, img *types.Image, identifier string, done func(types.Result)) {
	done = once(done)

	var result types.Result
	ran := e.lane.Sync(func() {
		if err := ctx.Err(); err != nil {
			// Queued behind other work and abandoned; the caller discards this.
			result = types.NewFailure(identifier, fmt.Errorf("%w: %s: abandoned: %w", types.ErrBackendProcessing, e.kind, err), 0)
			return
		}
		result = e.detect(img, identifier)
	})
	if !ran {
		result = types.NewFailure(identifier, fmt.Errorf("%w: %s engine closed", types.ErrBackendUnavailable, e.kind), 0)
	}
	done(result)
}

func (e *blockingEngine) detect(img *types.Image, identifier string) types.Result {
	start := e.now()

	det, err := e.instance()
	if err != nil {
		return types.NewFailure(identifier, fmt.Errorf("%w: %s: %w", types.ErrBackendUnavailable, e.kind, err), 0)
	}
	if err := validate(img); err != nil {
		return types.NewFailure(identifier, err, 0)
	}

	orientation := types.OrientationUnknown
	if e.variant.orientationHint {
		orientation = img.Orientation.OrDefault()
	}

	rects, err := det.Detect(img.Pixels, orientation)
	elapsed := e.now().Sub(start)
	if err != nil {
		e.logger.Warn("detection failed", "identifier", identifier, "err", err)
		return types.NewFailure(identifier, fmt.Errorf("%w: %s: %w", types.ErrBackendProcessing, e.kind, err), elapsed)
	}

	return types.NewResult(identifier, e.normalize(rects, img.Size(), identifier), elapsed)
}

// instance returns the lazily constructed detector. A construction failure
// is cached, so every later item reports the same error.
func (e *blockingEngine) instance() (Detector, error) {
	if !e.inited {
		e.inited = true
		e.detector, e.initErr = e.factory()
		if e.initErr != nil {
			e.logger.Error("failed to construct detector", "err", e.initErr)
		}
	}
	return e.detector, e.initErr
}

// normalize converts native pixel rectangles to top-left normalized boxes.
func (e *blockingEngine) normalize(rects []image.Rectangle, size types.Size, identifier string) []types.Face {
	bounds := image.Rect(0, 0, size.Width, size.Height)
	w, h := float64(size.Width), float64(size.Height)

	faces := make([]types.Face, 0, len(rects))
	for _, r := range rects {
		r = r.Canon().Intersect(bounds)
		if r.Empty() {
			continue
		}
		y := float64(r.Min.Y)
		if e.variant.flipY {
			y = h - float64(r.Min.Y) - float64(r.Dy())
		}
		faces = append(faces, types.Face{
			Box: types.Rect{
				X: clampUnit(float64(r.Min.X) / w),
				Y: clampUnit(y / h),
				W: clampUnit(float64(r.Dx()) / w),
				H: clampUnit(float64(r.Dy()) / h),
			},
			Identifier: identifier,
		})
	}
	return faces
}

func (e *blockingEngine) close() {
	e.lane.Sync(func() {
		if c, ok := e.detector.(io.Closer); ok && e.initErr == nil {
			if err := c.Close(); err != nil {
				e.logger.Warn("detector exited with error", "err", err)
			}
		}
		e.detector = nil
	})
	e.lane.Close()
}
