// Package stats measures image quality for a self-calibration imaging pass:
// the peak of the restored image, the RMS of the residual and their ratio.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrImageNotFound is returned when a path does not resolve to a readable
// image.
var ErrImageNotFound = errors.New("image not found")

// Quality is the figure of merit recorded for one imaging pass.
type Quality struct {
	PSNR float64 // Peak / Stdv
	Peak float64 // maximum of the restored image (Jy/beam)
	Stdv float64 // residual RMS inside the noise region (Jy/beam)
}

// Region is a half-open pixel box [X0,X1) x [Y0,Y1) on the first image plane.
type Region struct {
	X0, Y0, X1, Y1 int
}

// RegionFromSlice builds a Region from an x0,y0,x1,y1 list. A nil or empty
// slice means the whole image.
func RegionFromSlice(box []int) (*Region, error) {
	if len(box) == 0 {
		return nil, nil
	}
	if len(box) != 4 {
		return nil, fmt.Errorf("noise region needs 4 values, got %d", len(box))
	}
	r := &Region{X0: box[0], Y0: box[1], X1: box[2], Y1: box[3]}
	if r.X0 < 0 || r.Y0 < 0 || r.X1 <= r.X0 || r.Y1 <= r.Y0 {
		return nil, fmt.Errorf("invalid noise region %v", box)
	}
	return r, nil
}

// Plane is one 2-D image plane in row-major order (index y*Width + x).
type Plane struct {
	Width  int
	Height int
	Data   []float64
}

// At returns the pixel at (x, y).
func (p *Plane) At(x, y int) float64 {
	return p.Data[y*p.Width+x]
}

// Pixels returns the finite pixels inside r, or the whole plane when r is nil.
// Blanked (NaN) pixels outside the primary beam are skipped.
func (p *Plane) Pixels(r *Region) ([]float64, error) {
	if r == nil {
		return finite(p.Data), nil
	}
	if r.X1 > p.Width || r.Y1 > p.Height {
		return nil, fmt.Errorf("noise region %+v outside %dx%d image", *r, p.Width, p.Height)
	}
	out := make([]float64, 0, (r.X1-r.X0)*(r.Y1-r.Y0))
	for y := r.Y0; y < r.Y1; y++ {
		for x := r.X0; x < r.X1; x++ {
			if v := p.At(x, y); !math.IsNaN(v) && !math.IsInf(v, 0) {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func finite(data []float64) []float64 {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// Reader loads the first plane of an image. FITSReader and NativeReader are
// the two storage backends.
type Reader interface {
	ReadPlane(ctx context.Context, path string) (*Plane, error)
}

// FromPlanes computes the quality of a restored/residual pair. The noise is
// the population standard deviation of the residual inside region.
func FromPlanes(signal, residual *Plane, region *Region) (Quality, error) {
	sig := finite(signal.Data)
	if len(sig) == 0 {
		return Quality{}, errors.New("signal image has no finite pixels")
	}
	res, err := residual.Pixels(region)
	if err != nil {
		return Quality{}, err
	}
	if len(res) == 0 {
		return Quality{}, errors.New("noise region has no finite pixels")
	}

	peak := floats.Max(sig)
	_, variance := stat.PopMeanVariance(res, nil)
	stdv := math.Sqrt(variance)
	if stdv == 0 {
		return Quality{}, errors.New("residual RMS is zero")
	}
	return Quality{PSNR: peak / stdv, Peak: peak, Stdv: stdv}, nil
}

// Compute reads both images through reader and computes their quality.
func Compute(ctx context.Context, reader Reader, signalPath, residualPath string, region *Region) (Quality, error) {
	signal, err := reader.ReadPlane(ctx, signalPath)
	if err != nil {
		return Quality{}, err
	}
	residual, err := reader.ReadPlane(ctx, residualPath)
	if err != nil {
		return Quality{}, err
	}
	q, err := FromPlanes(signal, residual, region)
	if err != nil {
		return Quality{}, fmt.Errorf("quality of %s / %s: %w", signalPath, residualPath, err)
	}
	return q, nil
}
