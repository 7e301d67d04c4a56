package pixconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studio-tech-hub/safeaging/internal/ports"
)

func TestConvert_BGR24PassesThrough(t *testing.T) {
	px := []byte{10, 20, 30, 40, 50, 60}
	m, err := Convert(ports.HostFrame{
		Width: 2, Height: 1,
		Format: ports.PixelFormatBGR24,
		Planes: [3][]byte{px},
	})
	require.NoError(t, err)
	assert.Equal(t, px, m.Pixels)
}

func TestConvert_RGB24SwapsToBGR(t *testing.T) {
	// one RGB pixel: R=10 G=20 B=30
	px := []byte{10, 20, 30}
	m, err := Convert(ports.HostFrame{
		Width: 1, Height: 1,
		Format: ports.PixelFormatRGB24,
		Planes: [3][]byte{px},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{30, 20, 10}, m.Pixels)
}

func TestConvert_BGRA32DropsAlpha(t *testing.T) {
	px := []byte{1, 2, 3, 255}
	m, err := Convert(ports.HostFrame{
		Width: 1, Height: 1,
		Format: ports.PixelFormatBGRA32,
		Planes: [3][]byte{px},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, m.Pixels)
}

func TestConvert_RGBA32SwapsAndDropsAlpha(t *testing.T) {
	px := []byte{1, 2, 3, 255}
	m, err := Convert(ports.HostFrame{
		Width: 1, Height: 1,
		Format: ports.PixelFormatRGBA32,
		Planes: [3][]byte{px},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1}, m.Pixels)
}

func TestConvert_YUV420Grayscale(t *testing.T) {
	// Neutral chroma (128) at all positions should reproduce Y as R/G/B.
	y := []byte{100, 100, 100, 100}
	v := []byte{128}
	u := []byte{128}
	m, err := Convert(ports.HostFrame{
		Width: 2, Height: 2,
		Format: ports.PixelFormatYUV420SwappedUV,
		Planes: [3][]byte{y, v, u},
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		b := m.Pixels[i*3+0]
		g := m.Pixels[i*3+1]
		r := m.Pixels[i*3+2]
		assert.InDelta(t, 100, int(b), 1)
		assert.InDelta(t, 100, int(g), 1)
		assert.InDelta(t, 100, int(r), 1)
	}
}

func TestConvert_UnsupportedFormat(t *testing.T) {
	_, err := Convert(ports.HostFrame{Width: 1, Height: 1, Format: ports.PixelFormatUnknown})
	require.Error(t, err)
}

func TestConvert_ZeroDimensions(t *testing.T) {
	_, err := Convert(ports.HostFrame{Width: 0, Height: 1, Format: ports.PixelFormatBGR24})
	require.Error(t, err)
}

func TestConvert_PlaneTooSmall(t *testing.T) {
	_, err := Convert(ports.HostFrame{
		Width: 4, Height: 4,
		Format: ports.PixelFormatBGR24,
		Planes: [3][]byte{{1, 2, 3}},
	})
	require.Error(t, err)
}
