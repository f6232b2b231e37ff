package imaging

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/testutil"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

const (
	fixtureSize  = 8
	fixtureCdelt = 1e-4 // degrees per pixel
	residualAmp  = 0.01
)

// residualFixture is a zero-mean checkerboard with a 2-pixel circular beam.
func residualFixture() []byte {
	return testutil.FITSImage(fixtureSize, fixtureSize, testutil.Checkerboard(fixtureSize, fixtureSize, residualAmp), map[string]interface{}{
		"BMAJ":   2 * fixtureCdelt,
		"BMIN":   2 * fixtureCdelt,
		"BPA":    0.0,
		"CDELT1": -fixtureCdelt,
		"CDELT2": fixtureCdelt,
		"BUNIT":  "Jy/beam",
	})
}

func pointFixture(peak float64) []byte {
	return testutil.FITSImage(fixtureSize, fixtureSize, testutil.PointSource(fixtureSize, fixtureSize, 4, 4, 0, peak), map[string]interface{}{
		"CDELT1": -fixtureCdelt,
		"CDELT2": fixtureCdelt,
	})
}

// fakeTasks stands in for the toolkit. Imaging writes the product
// directories tclean would; exporting writes a FITS fixture.
type fakeTasks struct {
	fs      *fsutil.MemoryFileSystem
	images  []toolkit.ImageRequest
	exports [][2]string
	fixvis  []string
	regrids [][3]string
	failOn  string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{fs: fsutil.NewMemoryFileSystem()}
}

func (f *fakeTasks) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join("/work", name)
}

func (f *fakeTasks) Image(ctx context.Context, req toolkit.ImageRequest) error {
	f.images = append(f.images, req)
	if f.failOn == "image" {
		return toolkit.ErrTaskFailed
	}
	suffix := ""
	if req.Deconvolver == "mtmfs" {
		suffix = ".tt0"
	}
	for _, kind := range []string{".image", ".residual", ".model", ".psf"} {
		_ = f.fs.MkdirAll(f.Path(req.ImageName+kind+suffix), 0755)
	}
	return nil
}

func (f *fakeTasks) ExportFITS(ctx context.Context, image, fitsImage string) error {
	f.exports = append(f.exports, [2]string{image, fitsImage})
	data := pointFixture(2)
	if strings.Contains(image, "residual") {
		data = residualFixture()
	}
	return f.fs.WriteFile(f.Path(fitsImage), data, 0644)
}

func (f *fakeTasks) FixVis(ctx context.Context, vis, field, phaseCenter string) error {
	f.fixvis = append(f.fixvis, vis+"@"+phaseCenter)
	return nil
}

func (f *fakeTasks) Regrid(ctx context.Context, image, template, outputFITS string) error {
	f.regrids = append(f.regrids, [3]string{image, template, outputFITS})
	return f.fs.WriteFile(f.Path(outputFITS), pointFixture(1), 0644)
}

// fakeProcess stands in for the optimizer binary.
type fakeProcess struct {
	fs         *fsutil.MemoryFileSystem
	calls      [][]string
	writeModel bool
	err        error
}

func (p *fakeProcess) Run(ctx context.Context, name string, args ...string) (string, error) {
	p.calls = append(p.calls, append([]string{name}, args...))
	if p.err != nil {
		return "", p.err
	}
	if p.writeModel {
		for i, a := range args {
			if a == "-O" && i+1 < len(args) {
				if err := p.fs.WriteFile(args[i+1], pointFixture(1), 0644); err != nil {
					return "", err
				}
			}
		}
	}
	return "", nil
}

var errExit = errors.New("exit status 1")
