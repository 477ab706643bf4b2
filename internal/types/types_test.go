package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaceAbsolute(t *testing.T) {
	tests := []struct {
		name string
		box  Rect
		size Size
		want Rect
	}{
		{
			name: "centered box",
			box:  Rect{X: 0.25, Y: 0.5, W: 0.5, H: 0.25},
			size: Size{Width: 400, Height: 200},
			want: Rect{X: 100, Y: 100, W: 200, H: 50},
		},
		{
			name: "full frame",
			box:  Rect{X: 0, Y: 0, W: 1, H: 1},
			size: Size{Width: 640, Height: 480},
			want: Rect{X: 0, Y: 0, W: 640, H: 480},
		},
		{
			name: "out of range components are clamped",
			box:  Rect{X: -0.1, Y: 1.2, W: 1.5, H: 0.5},
			size: Size{Width: 100, Height: 100},
			want: Rect{X: 0, Y: 100, W: 100, H: 0},
		},
		{
			name: "extent is trimmed to the image edge",
			box:  Rect{X: 0.8, Y: 0.9, W: 0.5, H: 0.3},
			size: Size{Width: 100, Height: 200},
			want: Rect{X: 80, Y: 180, W: 20, H: 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Face{Box: tt.box, Identifier: "a"}.Absolute(tt.size)
			assert.InDelta(t, tt.want.X, got.X, 1e-9)
			assert.InDelta(t, tt.want.Y, got.Y, 1e-9)
			assert.InDelta(t, tt.want.W, got.W, 1e-9)
			assert.InDelta(t, tt.want.H, got.H, 1e-9)

			assert.GreaterOrEqual(t, got.X, 0.0)
			assert.LessOrEqual(t, got.X, float64(tt.size.Width))
			assert.GreaterOrEqual(t, got.Y, 0.0)
			assert.LessOrEqual(t, got.Y, float64(tt.size.Height))
			assert.LessOrEqual(t, got.X+got.W, float64(tt.size.Width)+1e-9)
			assert.LessOrEqual(t, got.Y+got.H, float64(tt.size.Height)+1e-9)
		})
	}
}

func TestResultIsImmutable(t *testing.T) {
	faces := []Face{{Box: Rect{X: 0.1}, Identifier: "id"}}
	r := NewResult("id", faces, time.Millisecond)

	faces[0].Box.X = 0.9
	got, ok := r.Faces()
	require.True(t, ok)
	assert.InDelta(t, 0.1, got[0].Box.X, 1e-9)

	got[0].Box.X = 0.7
	again, _ := r.Faces()
	assert.InDelta(t, 0.1, again[0].Box.X, 1e-9)
}

func TestResultAbsentFaces(t *testing.T) {
	r := NewFailure("id", ErrInputUnavailable, 0)
	faces, ok := r.Faces()
	assert.False(t, ok)
	assert.Nil(t, faces)
	assert.Zero(t, r.FaceCount())
	assert.True(t, errors.Is(r.Err(), ErrInputUnavailable))

	empty := NewResult("id", nil, 0)
	faces, ok = empty.Faces()
	assert.True(t, ok)
	assert.Empty(t, faces)
}

func TestOrientationOrDefault(t *testing.T) {
	assert.Equal(t, OrientationUp, OrientationUnknown.OrDefault())
	assert.Equal(t, OrientationUp, Orientation(9).OrDefault())
	assert.Equal(t, Orientation(6), Orientation(6).OrDefault())
}
