// Package assets enumerates an image collection and produces decoded,
// resized pixel data for individual assets.
package assets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoders
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/types"
	"github.com/andresmejia3/facescan/internal/utils"
)

const maxImageBytes = 64 * 1024 * 1024

var (
	// ErrNetworkNotAllowed is returned for remote assets when network access is disabled.
	ErrNetworkNotAllowed = errors.New("network access not allowed")
	// ErrNoSources is returned by Enumerate when neither a root nor a manifest is set.
	ErrNoSources = errors.New("no asset sources configured")
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Asset is an opaque handle to one image in the collection.
type Asset struct {
	ID       string
	Location string
	Remote   bool
}

// Library is a collection rooted at a directory, optionally extended by a
// manifest file listing one path or http(s) URL per line.
type Library struct {
	root     string
	manifest string
	client   *http.Client
	logger   *logging.Logger

	mu    sync.RWMutex
	index map[string]Asset
}

// NewLibrary creates a Library. Either root or manifest may be empty, not both.
func NewLibrary(root, manifest string, client *http.Client, logger *logging.Logger) *Library {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Library{
		root:     root,
		manifest: manifest,
		client:   client,
		logger:   logger.With("component", "assets"),
		index:    make(map[string]Asset),
	}
}

// Enumerate returns a snapshot of every asset currently available: files
// under the root in lexical order, then manifest entries in file order.
func (l *Library) Enumerate(ctx context.Context) ([]Asset, error) {
	if l.root == "" && l.manifest == "" {
		return nil, ErrNoSources
	}

	var out []Asset
	if l.root != "" {
		found, err := l.walk(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	if l.manifest != "" {
		listed, err := l.readManifest(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, listed...)
	}

	index := make(map[string]Asset, len(out))
	for _, a := range out {
		index[a.ID] = a
	}
	l.mu.Lock()
	l.index = index
	l.mu.Unlock()

	l.logger.Info("enumerated assets", "count", len(out))
	return out, nil
}

// Lookup finds an asset from the most recent enumeration by ID.
func (l *Library) Lookup(id string) (Asset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.index[id]
	return a, ok
}

func (l *Library) walk(ctx context.Context) ([]Asset, error) {
	var out []Asset
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		a, err := localAsset(path)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", l.root, err)
	}
	return out, nil
}

func (l *Library) readManifest(ctx context.Context) ([]Asset, error) {
	f, err := os.Open(l.manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	base := filepath.Dir(l.manifest)
	var out []Asset
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isRemote(line) {
			out = append(out, Asset{ID: utils.GenerateRemoteAssetID(line), Location: line, Remote: true})
			continue
		}
		path := line
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		a, err := localAsset(path)
		if err != nil {
			l.logger.Warn("skipping manifest entry", "entry", line, "err", err)
			continue
		}
		out = append(out, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return out, nil
}

func localAsset(path string) (Asset, error) {
	id, err := utils.GenerateAssetID(path)
	if err != nil {
		return Asset{}, err
	}
	return Asset{ID: id, Location: path}, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// RequestImage loads the asset on its own goroutine and calls done exactly
// once with either the image or an error wrapping types.ErrInputUnavailable.
func (l *Library) RequestImage(ctx context.Context, asset Asset, target types.Size, allowNetwork bool, done func(*types.Image, error)) {
	go func() {
		done(l.Load(ctx, asset, target, allowNetwork))
	}()
}

// Load is the synchronous form of RequestImage. A zero target keeps the
// original resolution.
func (l *Library) Load(ctx context.Context, asset Asset, target types.Size, allowNetwork bool) (*types.Image, error) {
	data, err := l.read(ctx, asset, allowNetwork)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrInputUnavailable, asset.Location, err)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to decode: %w", types.ErrInputUnavailable, asset.Location, err)
	}

	return &types.Image{
		Pixels:      fit(src, target),
		Orientation: readOrientation(data),
	}, nil
}

func (l *Library) read(ctx context.Context, asset Asset, allowNetwork bool) ([]byte, error) {
	if !asset.Remote {
		f, err := os.Open(asset.Location)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxImageBytes))
	}

	if !allowNetwork {
		return nil, ErrNetworkNotAllowed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.Location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// readOrientation returns the EXIF orientation, or unknown when absent.
func readOrientation(data []byte) types.Orientation {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return types.OrientationUnknown
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return types.OrientationUnknown
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return types.OrientationUnknown
	}
	return types.Orientation(v)
}

// fit scales src down to fit inside target, preserving aspect ratio. Images
// already inside the target are returned unchanged.
func fit(src image.Image, target types.Size) image.Image {
	if target.Width <= 0 || target.Height <= 0 {
		return src
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return src
	}
	scale := math.Min(float64(target.Width)/float64(b.Dx()), float64(target.Height)/float64(b.Dy()))
	if scale >= 1 {
		return src
	}
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
