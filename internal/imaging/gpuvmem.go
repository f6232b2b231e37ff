package imaging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/selfcal/internal/config"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/runner"
	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// Process launches the external optimizer. *runner.Executor satisfies it.
type Process interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// GPUvmemOptions are the external-optimizer parameters.
type GPUvmemOptions struct {
	Executable      string
	GPUBlocks       [3]int
	InitialValues   []float64
	RegFactors      []float64
	GPUIDs          []int
	ResidualOutput  string
	ModelInput      string // synthesized from a dirty image when empty
	UserMask        string
	ForceNoise      *float64
	GriddingThreads int
	Gridding        bool
	Positivity      bool
	NoiseCut        float64
	PrintImages     bool
}

// GPUvmem delegates pixel reconstruction to the gpuvmem optimizer and
// restores its model with the measured beam.
type GPUvmem struct {
	base
	opts GPUvmemOptions
	proc Process
	fits *stats.FITSReader

	modelInput  string
	userMask    string
	derivedMask string // userMask regridded onto modelInput
}

// NewGPUvmem creates the external-optimizer backend. A configured model input
// or user mask that does not exist is a configuration error and is reported
// before anything is launched. When a phase center is set the dataset is
// re-phased once, here.
func NewGPUvmem(ctx context.Context, p Params, opts GPUvmemOptions, tasks Tasks, proc Process, fs fsutil.FileSystem) (*GPUvmem, error) {
	if opts.Executable == "" {
		return nil, fmt.Errorf("%w: gpuvmem executable not set", config.ErrConfiguration)
	}
	for i, b := range opts.GPUBlocks {
		if b <= 0 {
			return nil, fmt.Errorf("%w: gpu block %d must be positive, got %d", config.ErrConfiguration, i, b)
		}
	}
	if opts.ResidualOutput == "" {
		return nil, fmt.Errorf("%w: gpuvmem residual output not set", config.ErrConfiguration)
	}

	g := &GPUvmem{
		base: base{p: p, tasks: tasks, fs: fs},
		opts: opts,
		proc: proc,
		fits: stats.NewFITSReader(fs, ""),
	}
	if err := g.checkInput("model input", opts.ModelInput); err != nil {
		return nil, err
	}
	if err := g.checkInput("user mask", opts.UserMask); err != nil {
		return nil, err
	}
	g.modelInput = opts.ModelInput
	g.userMask = opts.UserMask

	if p.PhaseCenter != "" {
		if err := tasks.FixVis(ctx, p.Vis, p.Field, p.PhaseCenter); err != nil {
			return nil, err
		}
	}
	if err := g.deriveMask(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Name implements Imager.
func (g *GPUvmem) Name() string { return "GPUvmem" }

func (g *GPUvmem) checkInput(what, path string) error {
	if path != "" && !g.exists(path) {
		return fmt.Errorf("%w: %s %s does not exist", config.ErrConfiguration, what, path)
	}
	return nil
}

// ModelInput returns the image the optimizer starts from.
func (g *GPUvmem) ModelInput() string { return g.modelInput }

// Mask returns the mask passed to the optimizer, already on the model grid.
func (g *GPUvmem) Mask() string { return g.derivedMask }

// SetModelInput replaces the starting image and re-derives the mask.
func (g *GPUvmem) SetModelInput(ctx context.Context, path string) error {
	if err := g.checkInput("model input", path); err != nil {
		return err
	}
	g.modelInput = path
	return g.deriveMask(ctx)
}

// SetUserMask replaces the user mask and re-derives it onto the model grid.
func (g *GPUvmem) SetUserMask(ctx context.Context, path string) error {
	if err := g.checkInput("user mask", path); err != nil {
		return err
	}
	g.userMask = path
	return g.deriveMask(ctx)
}

// deriveMask regrids the user mask onto the model input geometry. Until both
// are known the mask is used as given.
func (g *GPUvmem) deriveMask(ctx context.Context) error {
	if g.userMask == "" || g.modelInput == "" {
		g.derivedMask = g.userMask
		return nil
	}
	out := strings.TrimSuffix(filepath.Base(g.userMask), ".fits") + "_regrid.fits"
	monitoring.Logf("[imaging] %s: regridding mask %s onto %s", g.Name(), g.userMask, g.modelInput)
	if err := g.tasks.Regrid(ctx, g.userMask, g.modelInput, out); err != nil {
		return err
	}
	if !g.exists(out) {
		return fmt.Errorf("%w: regridded mask %s", ErrMissingArtifact, out)
	}
	g.derivedMask = out
	return nil
}

// makeCanvas images the data with niter=0 and exports the result as the
// optimizer's starting image.
func (g *GPUvmem) makeCanvas(ctx context.Context, name string) (string, error) {
	err := g.tasks.Image(ctx, toolkit.ImageRequest{
		Vis:         g.p.Vis,
		ImageName:   name,
		Field:       g.p.Field,
		Spw:         g.p.Spw,
		Stokes:      g.p.Stokes,
		Cell:        g.p.Cell,
		Imsize:      [2]int{g.p.M, g.p.N},
		Weighting:   g.p.Weighting,
		Robust:      g.p.Robust,
		Niter:       0,
		Specmode:    "mfs",
		Deconvolver: "hogbom",
		Deconvolution: []toolkit.Arg{
			toolkit.Kw("interactive", false),
		},
	})
	if err != nil {
		return "", err
	}
	fitsImage := name + ".fits"
	if err := g.tasks.ExportFITS(ctx, name+".image", fitsImage); err != nil {
		return "", err
	}
	return fitsImage, nil
}

// Args returns the optimizer argument list for one pass.
func (g *GPUvmem) Args(imageName string) []string {
	path := g.tasks.Path
	o := g.opts
	args := []string{
		"-X", strconv.Itoa(o.GPUBlocks[0]),
		"-Y", strconv.Itoa(o.GPUBlocks[1]),
		"-V", strconv.Itoa(o.GPUBlocks[2]),
		"-i", path(g.p.Vis),
		"-o", path(g.residualOutput(imageName)),
		"-z", joinFloats(o.InitialValues),
		"-Z", joinFloats(o.RegFactors),
		"-G", joinInts(o.GPUIDs),
		"-m", path(g.modelInput),
		"-O", path(imageName + ".fits"),
		"-N", formatFloat(o.NoiseCut),
		"-R", formatFloat(g.p.Robust),
		"-t", strconv.Itoa(g.p.Niter),
	}
	if g.derivedMask != "" {
		args = append(args, "-U", path(g.derivedMask))
	}
	if o.ForceNoise != nil {
		args = append(args, "-n", formatFloat(*o.ForceNoise))
	}
	if o.Gridding {
		args = append(args, "-g", strconv.Itoa(o.GriddingThreads))
	}
	if o.PrintImages {
		args = append(args, "--print-images")
	}
	if !o.Positivity {
		args = append(args, "--nopositivity")
	}
	if g.p.Verbose {
		args = append(args, "--verbose")
	}
	if g.p.SaveModel {
		args = append(args, "--save_modelcolumn")
	}
	return args
}

func (g *GPUvmem) residualOutput(imageName string) string {
	return imageName + "_" + g.opts.ResidualOutput
}

// Run implements Imager. It returns the restored and residual FITS images.
func (g *GPUvmem) Run(ctx context.Context, imageName string) (string, string, error) {
	g.resetQuality()

	if g.modelInput == "" {
		canvas, err := g.makeCanvas(ctx, imageName+"_input")
		if err != nil {
			return "", "", err
		}
		g.modelInput = canvas
		if err := g.deriveMask(ctx); err != nil {
			return "", "", err
		}
	}

	modelOut := imageName + ".fits"
	if err := g.fs.RemoveAll(g.tasks.Path(modelOut)); err != nil {
		return "", "", fmt.Errorf("remove stale model %s: %w", modelOut, err)
	}

	args := g.Args(imageName)
	monitoring.Logf("[imaging] %s: %s %s", g.Name(), g.opts.Executable, strings.Join(args, " "))
	if _, err := g.proc.Run(ctx, g.opts.Executable, args...); err != nil {
		var cmdErr *runner.CommandError
		if errors.As(err, &cmdErr) {
			return "", "", fmt.Errorf("%w: %s: %v\n%s", ErrExternalProcess, g.opts.Executable, cmdErr.Err, cmdErr.Tail(20))
		}
		return "", "", fmt.Errorf("%w: %s: %v", ErrExternalProcess, g.opts.Executable, err)
	}

	if !g.exists(modelOut) {
		return "", "", fmt.Errorf("%w: %s exited cleanly but did not write model %s",
			ErrMissingArtifact, g.opts.Executable, modelOut)
	}

	restored, residual, err := g.restore(ctx, modelOut, g.residualOutput(imageName), imageName+".restored")
	if err != nil {
		return "", "", err
	}

	q, err := stats.Compute(ctx, g.fits, g.tasks.Path(restored), g.tasks.Path(residual), g.p.NoiseRegion)
	if err != nil {
		return "", "", err
	}
	g.setQuality(q)
	monitoring.Logf("[imaging] %s: %s psnr=%.2f peak=%.4g rms=%.4g", g.Name(), imageName, q.PSNR, q.Peak, q.Stdv)
	return restored, residual, nil
}

// restore re-images the residual dataset, convolves the model with the
// residual's restoring beam and adds the two. It returns the restored and
// residual FITS names.
func (g *GPUvmem) restore(ctx context.Context, modelFITS, residualMS, restoredName string) (string, string, error) {
	residualImage := strings.TrimSuffix(residualMS, ".ms") + ".residual"
	err := g.tasks.Image(ctx, toolkit.ImageRequest{
		Vis:         residualMS,
		ImageName:   residualImage,
		Stokes:      g.p.Stokes,
		Cell:        g.p.Cell,
		Imsize:      [2]int{g.p.M, g.p.N},
		Weighting:   g.p.Weighting,
		Robust:      g.p.Robust,
		Niter:       0,
		DataColumn:  "data",
		Specmode:    "mfs",
		Deconvolver: "hogbom",
		Deconvolution: []toolkit.Arg{
			toolkit.Kw("nterms", 1),
		},
	})
	if err != nil {
		return "", "", err
	}

	residualFITS := residualImage + ".image.fits"
	if err := g.tasks.ExportFITS(ctx, residualImage+".image", residualFITS); err != nil {
		return "", "", err
	}

	residual, err := g.fits.ReadImage(g.tasks.Path(residualFITS))
	if err != nil {
		return "", "", err
	}
	model, err := g.fits.ReadImage(g.tasks.Path(modelFITS))
	if err != nil {
		return "", "", err
	}

	restored, err := restoreImage(model, residual)
	if err != nil {
		return "", "", fmt.Errorf("restore %s: %w", modelFITS, err)
	}

	restoredFITS := restoredName + ".fits"
	if err := g.fits.WriteImage(g.tasks.Path(restoredFITS), restored); err != nil {
		return "", "", err
	}
	return restoredFITS, residualFITS, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = formatFloat(f)
	}
	return strings.Join(parts, ",")
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
