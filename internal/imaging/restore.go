package imaging

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/selfcal/internal/stats"
)

// fwhmToSigma converts a Gaussian full width at half maximum to sigma.
var fwhmToSigma = 1 / (2 * math.Sqrt(2*math.Ln2))

// beamKernel samples a unit-peak elliptical Gaussian on the pixel grid.
// cdelt1 and cdelt2 are the pixel increments in degrees; PA is measured from
// north through east. The kernel is (2r+1) x (2r+1), row-major, centred.
func beamKernel(beam stats.Beam, cdelt1, cdelt2 float64) (kernel []float64, r int, err error) {
	if beam.Major <= 0 || beam.Minor <= 0 {
		return nil, 0, fmt.Errorf("invalid beam %+v", beam)
	}
	if cdelt1 == 0 || cdelt2 == 0 {
		return nil, 0, errors.New("pixel increments must be non-zero")
	}

	sMaj := beam.Major * fwhmToSigma
	sMin := beam.Minor * fwhmToSigma
	pix := math.Min(math.Abs(cdelt1), math.Abs(cdelt2))
	r = int(math.Ceil(4 * sMaj / pix))

	sinPA, cosPA := math.Sincos(beam.PA * math.Pi / 180)
	n := 2*r + 1
	kernel = make([]float64, n*n)
	for j := -r; j <= r; j++ {
		for i := -r; i <= r; i++ {
			east := float64(i) * cdelt1
			north := float64(j) * cdelt2
			a := east*sinPA + north*cosPA
			b := east*cosPA - north*sinPA
			kernel[(j+r)*n+(i+r)] = math.Exp(-0.5 * (a*a/(sMaj*sMaj) + b*b/(sMin*sMin)))
		}
	}
	return kernel, r, nil
}

// convolve scatters every non-zero model pixel through the kernel. The
// output has the model's shape; kernel tails falling off the edge are lost.
func convolve(model *stats.Plane, kernel []float64, r int) *stats.Plane {
	out := &stats.Plane{Width: model.Width, Height: model.Height, Data: make([]float64, len(model.Data))}
	n := 2*r + 1
	for y := 0; y < model.Height; y++ {
		for x := 0; x < model.Width; x++ {
			v := model.At(x, y)
			if v == 0 || math.IsNaN(v) {
				continue
			}
			x0, x1 := max(x-r, 0), min(x+r, model.Width-1)
			for ky := max(y-r, 0); ky <= min(y+r, model.Height-1); ky++ {
				krow := (ky - y + r) * n
				dst := out.Data[ky*model.Width+x0 : ky*model.Width+x1+1]
				src := kernel[krow+(x0-x+r) : krow+(x1-x+r)+1]
				floats.AddScaled(dst, v, src)
			}
		}
	}
	return out
}

// restoreImage convolves a Jy/pixel model with the residual's restoring beam
// and adds the residual. The result is in Jy/beam and keeps the residual's
// header keywords and beam.
func restoreImage(model, residual *stats.Image) (*stats.Image, error) {
	if residual.Beam == nil {
		return nil, fmt.Errorf("%w: residual image carries no restoring beam", ErrMissingArtifact)
	}
	if model.Width != residual.Width || model.Height != residual.Height {
		return nil, fmt.Errorf("model is %dx%d but residual is %dx%d",
			model.Width, model.Height, residual.Width, residual.Height)
	}
	cdelt1, ok1 := residual.Float("CDELT1")
	cdelt2, ok2 := residual.Float("CDELT2")
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: residual image has no CDELT1/CDELT2", ErrMissingArtifact)
	}

	kernel, r, err := beamKernel(*residual.Beam, cdelt1, cdelt2)
	if err != nil {
		return nil, err
	}
	restored := convolve(&model.Plane, kernel, r)
	floats.Add(restored.Data, residual.Data)

	return &stats.Image{Plane: *restored, Beam: residual.Beam, WCS: residual.WCS}, nil
}
