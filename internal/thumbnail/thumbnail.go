// Package thumbnail renders detected faces as JPEG crops of their source image.
package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/facescan/internal/assets"
	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/types"
)

const jpegQuality = 90

// Source re-produces the pixels of an asset that was already scanned.
type Source interface {
	Lookup(id string) (assets.Asset, bool)
	Load(ctx context.Context, asset assets.Asset, target types.Size, allowNetwork bool) (*types.Image, error)
}

// Crop returns the region of img covered by face. The normalized box is
// scaled by img's own dimensions, so img may be any resolution of the
// source. It returns nil for a box with no area.
func Crop(img image.Image, face types.Face) image.Image {
	b := img.Bounds()
	abs := face.Absolute(types.Size{Width: b.Dx(), Height: b.Dy()})

	x0 := int(math.Round(abs.X))
	y0 := int(math.Round(abs.Y))
	x1 := min(b.Dx(), int(math.Round(abs.X+abs.W)))
	y1 := min(b.Dy(), int(math.Round(abs.Y+abs.H)))
	r := image.Rect(x0, y0, x1, y1).Add(b.Min)
	if r.Empty() {
		return nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Writer saves face crops under <dir>/<assetID>/face_<n>.jpg.
type Writer struct {
	dir          string
	source       Source
	allowNetwork bool
	logger       *logging.Logger
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string, source Source, allowNetwork bool, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Writer{
		dir:          dir,
		source:       source,
		allowNetwork: allowNetwork,
		logger:       logger.With("component", "thumbnail"),
	}
}

// Write reloads the asset behind r at full resolution and saves one crop per
// face. It returns the paths written. Results without faces write nothing.
func (w *Writer) Write(ctx context.Context, r types.Result) ([]string, error) {
	faces, ok := r.Faces()
	if !ok || len(faces) == 0 {
		return nil, nil
	}

	asset, found := w.source.Lookup(r.Identifier())
	if !found {
		return nil, fmt.Errorf("unknown asset %s", r.Identifier())
	}
	img, err := w.source.Load(ctx, asset, types.Size{}, w.allowNetwork)
	if err != nil {
		return nil, err
	}

	outDir := filepath.Join(w.dir, asset.ID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	var paths []string
	for i, face := range faces {
		crop := Crop(img.Pixels, face)
		if crop == nil {
			continue
		}
		path := filepath.Join(outDir, fmt.Sprintf("face_%d.jpg", i+1))
		if err := writeJPEG(path, crop); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	w.logger.Debug("wrote thumbnails", "asset_id", asset.ID, "count", len(paths))
	return paths, nil
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
