package engine

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/types"
)

func nopLogger() *logging.Logger { return logging.Nop() }

type fakeDetector struct {
	rects []image.Rectangle
	err   error
	delay time.Duration

	mu           sync.Mutex
	orientations []types.Orientation
	active       atomic.Int32
	maxActive    atomic.Int32
	closed       atomic.Bool
}

func (f *fakeDetector) Detect(_ image.Image, o types.Orientation) ([]image.Rectangle, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.orientations = append(f.orientations, o)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.rects, f.err
}

func (f *fakeDetector) Close() error {
	f.closed.Store(true)
	return nil
}

func testImage(w, h int, o types.Orientation) *types.Image {
	return &types.Image{Pixels: image.NewRGBA(image.Rect(0, 0, w, h)), Orientation: o}
}

func detectSync(t *testing.T, e Engine, img *types.Image, id string) types.Result {
	t.Helper()
	ch := make(chan types.Result, 2)
	e.Detect(context.Background(), img, id, func(r types.Result) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("engine never called done")
		return types.Result{}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "cascade", want: KindCascade},
		{in: "LANDMARK", want: KindLandmark},
		{in: "remote", want: KindRemote},
		{in: "vision", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Blocking(), tt.want != KindRemote)
		})
	}
}

func TestBlockingEngine_NormalizesCoordinates(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		wantY float64
		wantO types.Orientation
	}{
		// Box at native y=10 in a 100px tall image with height 20.
		{name: "cascade flips bottom-left origin", kind: KindCascade, wantY: 0.7, wantO: types.Orientation(6)},
		{name: "landmark keeps top-left origin", kind: KindLandmark, wantY: 0.1, wantO: types.OrientationUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &fakeDetector{rects: []image.Rectangle{image.Rect(20, 10, 60, 30)}}
			factory := func() (Detector, error) { return det, nil }
			svc := NewService(Options{Cascade: factory, Landmark: factory})
			defer svc.Close()

			e, err := svc.Engine(tt.kind)
			require.NoError(t, err)

			r := detectSync(t, e, testImage(200, 100, types.Orientation(6)), "asset-1")
			require.NoError(t, r.Err())
			faces, ok := r.Faces()
			require.True(t, ok)
			require.Len(t, faces, 1)

			assert.InDelta(t, 0.1, faces[0].Box.X, 1e-9)
			assert.InDelta(t, tt.wantY, faces[0].Box.Y, 1e-9)
			assert.InDelta(t, 0.2, faces[0].Box.W, 1e-9)
			assert.InDelta(t, 0.2, faces[0].Box.H, 1e-9)
			assert.Equal(t, "asset-1", faces[0].Identifier)
			assert.Equal(t, []types.Orientation{tt.wantO}, det.orientations)
		})
	}
}

func TestBlockingEngine_DropsOutOfBoundsBoxes(t *testing.T) {
	det := &fakeDetector{rects: []image.Rectangle{
		image.Rect(500, 500, 600, 600),
		image.Rect(-10, -10, 10, 10),
	}}
	svc := NewService(Options{Landmark: func() (Detector, error) { return det, nil }})
	defer svc.Close()
	e, _ := svc.Engine(KindLandmark)

	r := detectSync(t, e, testImage(100, 100, 0), "a")
	faces, ok := r.Faces()
	require.True(t, ok)
	require.Len(t, faces, 1)
	assert.InDelta(t, 0.1, faces[0].Box.W, 1e-9)
}

func TestBlockingEngine_SerializesCalls(t *testing.T) {
	det := &fakeDetector{delay: 5 * time.Millisecond}
	svc := NewService(Options{Cascade: func() (Detector, error) { return det, nil }})
	defer svc.Close()
	e, _ := svc.Engine(KindCascade)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detectSync(t, e, testImage(10, 10, 0), "x")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), det.maxActive.Load())
}

func TestBlockingEngine_FactoryFailureRepeatsPerItem(t *testing.T) {
	var calls atomic.Int32
	svc := NewService(Options{Cascade: func() (Detector, error) {
		calls.Add(1)
		return nil, errors.New("model file missing")
	}})
	defer svc.Close()
	e, _ := svc.Engine(KindCascade)

	for i := 0; i < 3; i++ {
		r := detectSync(t, e, testImage(10, 10, 0), "x")
		_, ok := r.Faces()
		assert.False(t, ok)
		assert.ErrorIs(t, r.Err(), types.ErrBackendUnavailable)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestBlockingEngine_Errors(t *testing.T) {
	det := &fakeDetector{err: errors.New("boom")}
	svc := NewService(Options{Landmark: func() (Detector, error) { return det, nil }})
	defer svc.Close()
	e, _ := svc.Engine(KindLandmark)

	r := detectSync(t, e, testImage(10, 10, 0), "x")
	assert.ErrorIs(t, r.Err(), types.ErrBackendProcessing)

	r = detectSync(t, e, &types.Image{}, "x")
	assert.ErrorIs(t, r.Err(), types.ErrMalformedImage)

	r = detectSync(t, e, testImage(0, 0, 0), "x")
	assert.ErrorIs(t, r.Err(), types.ErrMalformedImage)
}

func TestBlockingEngine_AbandonedCallIsClassified(t *testing.T) {
	det := &fakeDetector{}
	svc := NewService(Options{Cascade: func() (Detector, error) { return det, nil }})
	defer svc.Close()
	e, _ := svc.Engine(KindCascade)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan types.Result, 1)
	e.Detect(ctx, testImage(10, 10, 0), "x", func(r types.Result) { ch <- r })
	r := <-ch

	_, ok := r.Faces()
	assert.False(t, ok)
	assert.ErrorIs(t, r.Err(), types.ErrBackendProcessing)
	assert.ErrorIs(t, r.Err(), context.Canceled)
	assert.Empty(t, det.orientations, "detector must not run for an abandoned call")
}

func TestBlockingEngine_MissingFactory(t *testing.T) {
	svc := NewService(Options{})
	defer svc.Close()
	e, _ := svc.Engine(KindLandmark)

	r := detectSync(t, e, testImage(10, 10, 0), "x")
	assert.ErrorIs(t, r.Err(), types.ErrBackendUnavailable)
}

func TestService_CloseShutsDetectorsDown(t *testing.T) {
	det := &fakeDetector{}
	svc := NewService(Options{Cascade: func() (Detector, error) { return det, nil }})
	e, _ := svc.Engine(KindCascade)
	detectSync(t, e, testImage(10, 10, 0), "x")

	svc.Close()
	svc.Close()
	assert.True(t, det.closed.Load())

	r := detectSync(t, e, testImage(10, 10, 0), "x")
	assert.ErrorIs(t, r.Err(), types.ErrBackendUnavailable)
}

func TestRemoteEngine_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		assert.Equal(t, "asset-9", r.Header.Get("X-Asset-Identifier"))
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body)
		json.NewEncoder(w).Encode(remoteResponse{Faces: []remoteBox{
			{X: 0.1, Y: 0.2, W: 0.3, H: 0.4},
			{X: 0.9, Y: 0.9, W: 1.5, H: 0.1},
		}})
	}))
	defer srv.Close()

	svc := NewService(Options{Remote: RemoteOptions{URL: srv.URL, Timeout: time.Second}})
	defer svc.Close()
	e, err := svc.Engine(KindRemote)
	require.NoError(t, err)

	r := detectSync(t, e, testImage(16, 16, 0), "asset-9")
	require.NoError(t, r.Err())
	faces, ok := r.Faces()
	require.True(t, ok)
	require.Len(t, faces, 2)
	assert.InDelta(t, 0.2, faces[0].Box.Y, 1e-9)
	assert.InDelta(t, 1.0, faces[1].Box.W, 1e-9)
	assert.Equal(t, "asset-9", r.Identifier())
}

func TestRemoteEngine_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(remoteResponse{Faces: []remoteBox{{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}}})
	}))
	defer srv.Close()

	e := newRemoteEngine(RemoteOptions{URL: srv.URL, MaxRetries: 5, RetryInterval: time.Millisecond}, nopLogger())
	r := detectSync(t, e, testImage(8, 8, 0), "a")
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.FaceCount())
	assert.Equal(t, int32(3), hits.Load())
}

func TestRemoteEngine_PermanentFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(remoteResponse{Error: "unsupported image"})
	}))
	defer srv.Close()

	e := newRemoteEngine(RemoteOptions{URL: srv.URL, MaxRetries: 5, RetryInterval: time.Millisecond}, nopLogger())
	r := detectSync(t, e, testImage(8, 8, 0), "a")
	_, ok := r.Faces()
	assert.False(t, ok)
	assert.ErrorIs(t, r.Err(), types.ErrBackendProcessing)
	assert.Contains(t, r.Err().Error(), "unsupported image")
	assert.Equal(t, int32(1), hits.Load())
}

func TestRemoteEngine_SynchronousFailures(t *testing.T) {
	e := newRemoteEngine(RemoteOptions{}, nopLogger())
	var got types.Result
	called := false
	e.Detect(context.Background(), testImage(4, 4, 0), "a", func(r types.Result) {
		called = true
		got = r
	})
	require.True(t, called, "missing URL is reported before Detect returns")
	assert.ErrorIs(t, got.Err(), types.ErrBackendUnavailable)

	e = newRemoteEngine(RemoteOptions{URL: "http://127.0.0.1:1"}, nopLogger())
	called = false
	e.Detect(context.Background(), nil, "a", func(r types.Result) {
		called = true
		got = r
	})
	require.True(t, called)
	assert.ErrorIs(t, got.Err(), types.ErrMalformedImage)
}
