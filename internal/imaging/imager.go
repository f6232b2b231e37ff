// Package imaging provides the imaging backends used between calibration
// steps. Each backend images the current corrected data, writes a restored
// and residual image pair and records one quality measurement per pass.
package imaging

import (
	"context"
	"errors"

	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

var (
	// ErrMissingArtifact is returned when an external step reports success
	// but the file it should have produced is absent.
	ErrMissingArtifact = errors.New("missing artifact")
	// ErrExternalProcess is returned when the external optimizer exits
	// abnormally.
	ErrExternalProcess = errors.New("external process failed")
)

// Imager produces a restored/residual image pair from the visibility dataset.
// Running again with the same image name overwrites the earlier products.
type Imager interface {
	Run(ctx context.Context, imageName string) (restored, residual string, err error)
	Name() string
	Vis() string
	Field() string
	Spw() string
	// Quality returns the measurement of the last successful pass. ok is
	// false before the first pass and after a failed one.
	Quality() (q stats.Quality, ok bool)
}

// Tasks is the toolkit surface the backends need. *toolkit.CASA satisfies it.
type Tasks interface {
	Image(ctx context.Context, req toolkit.ImageRequest) error
	ExportFITS(ctx context.Context, image, fitsImage string) error
	FixVis(ctx context.Context, vis, field, phaseCenter string) error
	Regrid(ctx context.Context, image, template, outputFITS string) error
	Path(name string) string
}

// Params are the imaging parameters shared by every backend.
type Params struct {
	Vis         string
	Cell        string
	Robust      float64
	Weighting   string
	Field       string
	Spw         string
	Stokes      string
	PhaseCenter string
	DataColumn  string
	M           int
	N           int
	Niter       int
	NoiseRegion *stats.Region // nil means the whole residual
	SaveModel   bool
	Verbose     bool
}

// base carries the state shared by the backends.
type base struct {
	p     Params
	tasks Tasks
	fs    fsutil.FileSystem

	quality    stats.Quality
	hasQuality bool
}

func (b *base) Vis() string   { return b.p.Vis }
func (b *base) Field() string { return b.p.Field }
func (b *base) Spw() string   { return b.p.Spw }

func (b *base) Quality() (stats.Quality, bool) {
	return b.quality, b.hasQuality
}

func (b *base) resetQuality() {
	b.quality = stats.Quality{}
	b.hasQuality = false
}

func (b *base) setQuality(q stats.Quality) {
	b.quality = q
	b.hasQuality = true
}

func (b *base) exists(name string) bool {
	return b.fs.Exists(b.tasks.Path(name))
}
