package imaging

import (
	"context"
	"fmt"

	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// CleanOptions are the iterative-deconvolution parameters.
type CleanOptions struct {
	Deconvolver       string
	Specmode          string
	Gridder           string
	WProjPlanes       int
	Nterms            int
	Threshold         float64
	NSigma            float64
	Interactive       bool
	Mask              string
	UseMask           string
	SidelobeThreshold float64
	NoiseThreshold    float64
	LowNoiseThreshold float64
	NegativeThreshold float64
	MinBeamFrac       float64
	Scales            []int
	UVTaper           []string
	UVRange           string
	PBCor             bool
	CycleNiter        int
	ReferenceFreq     string // "" lets tclean choose
}

// Clean images with tclean and measures quality on the native images.
type Clean struct {
	base
	opts   CleanOptions
	reader stats.Reader
}

// NewClean creates the iterative-deconvolution backend.
func NewClean(p Params, opts CleanOptions, tasks Tasks, fs fsutil.FileSystem) *Clean {
	return &Clean{
		base:   base{p: p, tasks: tasks, fs: fs},
		opts:   opts,
		reader: stats.NewNativeReader(tasks, fs),
	}
}

// Name implements Imager.
func (c *Clean) Name() string { return "TClean" }

// ProductNames returns the restored and residual image names tclean writes
// for imageName. Multi-term deconvolution writes the zeroth Taylor term.
func (c *Clean) ProductNames(imageName string) (restored, residual string) {
	if c.opts.Deconvolver == "mtmfs" {
		return imageName + ".image.tt0", imageName + ".residual.tt0"
	}
	return imageName + ".image", imageName + ".residual"
}

func (c *Clean) request(imageName string) toolkit.ImageRequest {
	saveModel := "none"
	if c.p.SaveModel {
		saveModel = "modelcolumn"
	}
	kw := toolkit.Kw
	return toolkit.ImageRequest{
		Vis:         c.p.Vis,
		ImageName:   imageName,
		Field:       c.p.Field,
		Spw:         c.p.Spw,
		Stokes:      c.p.Stokes,
		PhaseCenter: c.p.PhaseCenter,
		Cell:        c.p.Cell,
		Imsize:      [2]int{c.p.M, c.p.N},
		Weighting:   c.p.Weighting,
		Robust:      c.p.Robust,
		Niter:       c.p.Niter,
		DataColumn:  c.p.DataColumn,
		Specmode:    c.opts.Specmode,
		Deconvolver: c.opts.Deconvolver,
		Deconvolution: []toolkit.Arg{
			kw("uvrange", c.opts.UVRange),
			kw("scales", c.opts.Scales),
			kw("nterms", c.opts.Nterms),
			kw("threshold", c.opts.Threshold),
			kw("nsigma", c.opts.NSigma),
			kw("interactive", c.opts.Interactive),
			kw("gridder", c.opts.Gridder),
			kw("wprojplanes", c.opts.WProjPlanes),
			kw("mask", c.opts.Mask),
			kw("pbcor", c.opts.PBCor),
			kw("uvtaper", c.opts.UVTaper),
			kw("savemodel", saveModel),
			kw("usemask", c.opts.UseMask),
			kw("negativethreshold", c.opts.NegativeThreshold),
			kw("lownoisethreshold", c.opts.LowNoiseThreshold),
			kw("noisethreshold", c.opts.NoiseThreshold),
			kw("sidelobethreshold", c.opts.SidelobeThreshold),
			kw("minbeamfrac", c.opts.MinBeamFrac),
			kw("cycleniter", c.opts.CycleNiter),
			kw("reffreq", c.opts.ReferenceFreq),
			kw("verbose", c.p.Verbose),
		},
	}
}

// Run implements Imager.
func (c *Clean) Run(ctx context.Context, imageName string) (string, string, error) {
	c.resetQuality()

	monitoring.Logf("[imaging] %s: imaging %s into %s", c.Name(), c.p.Vis, imageName)
	if err := c.tasks.Image(ctx, c.request(imageName)); err != nil {
		return "", "", err
	}

	restored, residual := c.ProductNames(imageName)
	for _, name := range []string{restored, residual} {
		if !c.exists(name) {
			return "", "", fmt.Errorf("%w: tclean did not write %s", ErrMissingArtifact, name)
		}
	}

	q, err := stats.Compute(ctx, c.reader, restored, residual, c.p.NoiseRegion)
	if err != nil {
		return "", "", err
	}
	c.setQuality(q)
	monitoring.Logf("[imaging] %s: %s psnr=%.2f peak=%.4g rms=%.4g", c.Name(), imageName, q.PSNR, q.Peak, q.Stdv)
	return restored, residual, nil
}
