package scan

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andresmejia3/facescan/internal/assets"
	"github.com/andresmejia3/facescan/internal/engine"
	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/task"
	"github.com/andresmejia3/facescan/internal/types"
)

// detectionJob is everything one DetectionTask holds.
type detectionJob struct {
	asset        assets.Asset
	engine       engine.Engine
	kind         engine.Kind
	target       types.Size
	allowNetwork bool
	images       ImageSource
	sink         func(types.Result)
	tracer       trace.Tracer
	logger       *logging.Logger
}

// newDetectionTask builds the task that fetches pixels for one asset, runs
// the engine and hands the result to sink. sink is called at most once and
// never for a cancelled task.
func newDetectionTask(job detectionJob) *task.Task {
	return task.New(job.asset.ID, job.execute)
}

func (j detectionJob) execute(ctx context.Context, t *task.Task) {
	start := time.Now()
	ctx, span := j.tracer.Start(ctx, "detection_task.execute",
		trace.WithAttributes(
			attribute.String("asset_id", j.asset.ID),
			attribute.String("engine", j.kind.String()),
			attribute.Bool("remote", j.asset.Remote),
		))

	j.images.RequestImage(ctx, j.asset, j.target, j.allowNetwork, func(img *types.Image, err error) {
		if t.IsCancelled() {
			span.SetAttributes(attribute.Bool("cancelled", true))
			span.End()
			t.Finish()
			return
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pixel data unavailable")
			span.End()
			j.logger.Debug("pixel data unavailable", "asset_id", j.asset.ID, "err", err)
			r := types.NewFailure(j.asset.ID, err, time.Since(start))
			t.Complete(func() { j.sink(r) })
			return
		}

		// Blocking engines hold the calling goroutine for the whole detection,
		// so never run them on the goroutine that delivered the pixels.
		go j.engine.Detect(ctx, img, j.asset.ID, func(r types.Result) {
			defer span.End()
			if t.IsCancelled() {
				span.SetAttributes(attribute.Bool("cancelled", true))
				return
			}
			if err := r.Err(); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "detection failed")
			}
			span.SetAttributes(attribute.Int("faces", r.FaceCount()))
			t.Complete(func() { j.sink(r) })
		})
	})
}
