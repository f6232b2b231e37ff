package imaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/testutil"
)

func TestBeamKernel_CircularHalfMaximum(t *testing.T) {
	// FWHM of 4 pixels: the kernel is 0.5 two pixels from the centre.
	kernel, r, err := beamKernel(stats.Beam{Major: 4e-4, Minor: 4e-4}, -1e-4, 1e-4)
	require.NoError(t, err)

	n := 2*r + 1
	at := func(dx, dy int) float64 { return kernel[(dy+r)*n+(dx+r)] }

	assert.Equal(t, 1.0, at(0, 0))
	testutil.AssertClose(t, "k(2,0)", at(2, 0), 0.5, 1e-12)
	testutil.AssertClose(t, "k(0,-2)", at(0, -2), 0.5, 1e-12)
	testutil.AssertClose(t, "symmetry", at(1, 3), at(-1, -3), 1e-15)
}

func TestBeamKernel_PositionAngle(t *testing.T) {
	// Major axis along north (PA 0) is elongated in y.
	kernel, r, err := beamKernel(stats.Beam{Major: 4e-4, Minor: 2e-4, PA: 0}, -1e-4, 1e-4)
	require.NoError(t, err)
	n := 2*r + 1
	at := func(dx, dy int) float64 { return kernel[(dy+r)*n+(dx+r)] }
	assert.Greater(t, at(0, 2), at(2, 0))

	// Rotated to PA 90 the elongation moves to x.
	kernel, r, err = beamKernel(stats.Beam{Major: 4e-4, Minor: 2e-4, PA: 90}, -1e-4, 1e-4)
	require.NoError(t, err)
	n = 2*r + 1
	assert.Greater(t, kernel[(0+r)*n+(2+r)], kernel[(2+r)*n+(0+r)])
}

func TestBeamKernel_Invalid(t *testing.T) {
	_, _, err := beamKernel(stats.Beam{Major: 0, Minor: 1}, 1, 1)
	assert.Error(t, err)
	_, _, err = beamKernel(stats.Beam{Major: 1, Minor: 1}, 0, 1)
	assert.Error(t, err)
}

func TestConvolve_PreservesPointAmplitude(t *testing.T) {
	model := &stats.Plane{Width: 9, Height: 9, Data: testutil.PointSource(9, 9, 4, 4, 0, 3)}
	kernel, r, err := beamKernel(stats.Beam{Major: 2e-4, Minor: 2e-4}, -1e-4, 1e-4)
	require.NoError(t, err)

	out := convolve(model, kernel, r)
	assert.Equal(t, 3.0, out.At(4, 4))
	testutil.AssertClose(t, "half max", out.At(5, 4), 1.5, 1e-12)
	assert.Greater(t, out.At(0, 0), 0.0)
}

func TestConvolve_EdgeSource(t *testing.T) {
	model := &stats.Plane{Width: 5, Height: 5, Data: testutil.PointSource(5, 5, 0, 0, 0, 1)}
	kernel, r, err := beamKernel(stats.Beam{Major: 2e-4, Minor: 2e-4}, -1e-4, 1e-4)
	require.NoError(t, err)

	out := convolve(model, kernel, r)
	assert.Equal(t, 1.0, out.At(0, 0))
	testutil.AssertClose(t, "neighbour", out.At(1, 0), 0.5, 1e-12)
}

func TestRestoreImage_Errors(t *testing.T) {
	plane := stats.Plane{Width: 2, Height: 2, Data: []float64{0, 0, 0, 1}}
	model := &stats.Image{Plane: plane}

	_, err := restoreImage(model, &stats.Image{Plane: plane})
	assert.True(t, errors.Is(err, ErrMissingArtifact), "no beam")

	withBeam := &stats.Image{Plane: plane, Beam: &stats.Beam{Major: 1, Minor: 1}}
	_, err = restoreImage(model, withBeam)
	assert.True(t, errors.Is(err, ErrMissingArtifact), "no pixel increments")

	small := &stats.Image{Plane: stats.Plane{Width: 1, Height: 1, Data: []float64{1}}}
	_, err = restoreImage(small, withBeam)
	assert.Error(t, err)
}
