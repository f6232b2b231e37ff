package toolkit

import (
	"context"
	"fmt"

	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
)

// ImageRequest describes one tclean invocation. Deconvolution carries the
// backend-specific keywords and is appended after the shared ones.
type ImageRequest struct {
	Vis         string
	ImageName   string
	Field       string
	Spw         string
	Stokes      string
	PhaseCenter string
	Cell        string
	Imsize      [2]int
	Weighting   string
	Robust      float64
	Niter       int
	DataColumn  string // omitted when empty
	Specmode    string
	Deconvolver string

	Deconvolution []Arg
}

// Image runs tclean and writes <ImageName>.image, .residual, .model and
// friends into the work directory, replacing any earlier products.
func (c *CASA) Image(ctx context.Context, req ImageRequest) error {
	args := []Arg{
		Kw("vis", req.Vis),
		Kw("imagename", req.ImageName),
		Kw("field", req.Field),
		Kw("spw", req.Spw),
		Kw("phasecenter", req.PhaseCenter),
	}
	if req.DataColumn != "" {
		args = append(args, Kw("datacolumn", req.DataColumn))
	}
	args = append(args,
		Kw("specmode", req.Specmode),
		Kw("stokes", req.Stokes),
		Kw("deconvolver", req.Deconvolver),
		Kw("imsize", []int{req.Imsize[0], req.Imsize[1]}),
		Kw("cell", req.Cell),
		Kw("weighting", req.Weighting),
		Kw("robust", req.Robust),
		Kw("niter", req.Niter),
	)
	args = append(args, req.Deconvolution...)

	// tclean refuses to overwrite existing products
	if err := c.RemoveImages(req.ImageName); err != nil {
		return err
	}
	return c.Exec(ctx, Call{Task: "tclean", Args: args})
}

// RemoveImages deletes every product of an earlier imaging pass with the
// given base name.
func (c *CASA) RemoveImages(imageName string) error {
	if _, err := fsutil.RemoveMatching(c.fs, c.Path(imageName+".*")); err != nil {
		return fmt.Errorf("remove images %s: %w", imageName, err)
	}
	return nil
}

// GainSolve describes one gaincal invocation.
type GainSolve struct {
	Vis         string
	Table       string
	Field       string
	Spw         string
	GainType    string // defaults to G
	RefAnt      string
	CalMode     string // p, a or ap
	Combine     string
	Solint      string
	MinSNR      float64
	MinBLPerAnt int
	Parents     []string // applied on the fly before solving
	SpwMap      []int
	Normalize   bool
}

// SolveGains runs gaincal and confirms the table was written. A missing table
// after a clean exit is reported as ErrSolveFailed.
func (c *CASA) SolveGains(ctx context.Context, req GainSolve) error {
	gainType := req.GainType
	if gainType == "" {
		gainType = "G"
	}
	args := []Arg{
		Kw("vis", req.Vis),
		Kw("caltable", req.Table),
		Kw("field", req.Field),
		Kw("spw", req.Spw),
		Kw("gaintype", gainType),
		Kw("refant", req.RefAnt),
		Kw("calmode", req.CalMode),
		Kw("combine", req.Combine),
		Kw("solint", req.Solint),
		Kw("minsnr", req.MinSNR),
		Kw("minblperant", req.MinBLPerAnt),
	}
	if len(req.Parents) > 0 {
		args = append(args, Kw("gaintable", req.Parents))
		if len(req.SpwMap) > 0 {
			args = append(args, Kw("spwmap", repeatMap(req.SpwMap, len(req.Parents))))
		}
	}
	args = append(args, Kw("solnorm", req.Normalize))

	if err := c.Exec(ctx, Call{Task: "gaincal", Args: args}); err != nil {
		return err
	}
	if !c.Exists(req.Table) {
		return fmt.Errorf("%w: gaincal produced no table %s (solint=%s minsnr=%g)",
			ErrSolveFailed, req.Table, req.Solint, req.MinSNR)
	}
	return nil
}

// GainApply describes one applycal invocation. SpwMaps has one entry per
// table; an empty SpwMaps leaves the mapping to the toolkit.
type GainApply struct {
	Vis        string
	Field      string
	Tables     []string
	SpwMaps    [][]int
	GainField  string
	Interp     string // defaults to linearperobs
	CalWt      bool
	FlagBackup bool
}

// ApplyGains runs applycal, rewriting the corrected data column.
func (c *CASA) ApplyGains(ctx context.Context, req GainApply) error {
	if len(req.Tables) == 0 {
		return fmt.Errorf("%w: applycal needs at least one table", ErrTaskFailed)
	}
	interp := req.Interp
	if interp == "" {
		interp = "linearperobs"
	}
	args := []Arg{
		Kw("vis", req.Vis),
		Kw("field", req.Field),
		Kw("gaintable", req.Tables),
	}
	if len(req.SpwMaps) > 0 {
		args = append(args, Kw("spwmap", req.SpwMaps))
	}
	args = append(args,
		Kw("gainfield", req.GainField),
		Kw("interp", interp),
		Kw("calwt", req.CalWt),
		Kw("flagbackup", req.FlagBackup),
	)
	return c.Exec(ctx, Call{Task: "applycal", Args: args})
}

// Flag version modes understood by flagmanager.
const (
	FlagSave    = "save"
	FlagRestore = "restore"
)

// FlagVersionRequest describes one flagmanager invocation.
type FlagVersionRequest struct {
	Vis         string
	Mode        string
	VersionName string
	Merge       string // save and restore only; omitted when empty
	Comment     string
}

// FlagVersion saves or restores a named flag version.
func (c *CASA) FlagVersion(ctx context.Context, req FlagVersionRequest) error {
	switch req.Mode {
	case FlagSave, FlagRestore:
	default:
		return fmt.Errorf("%w: unknown flagmanager mode %q", ErrTaskFailed, req.Mode)
	}
	args := []Arg{
		Kw("vis", req.Vis),
		Kw("mode", req.Mode),
		Kw("versionname", req.VersionName),
	}
	if req.Merge != "" {
		args = append(args, Kw("merge", req.Merge))
	}
	if req.Comment != "" {
		args = append(args, Kw("comment", req.Comment))
	}
	return c.Exec(ctx, Call{Task: "flagmanager", Args: args})
}

// PlotRequest describes one plotcal invocation.
type PlotRequest struct {
	Table     string
	XAxis     string
	YAxis     string
	TimeRange string
	Iteration string
	Antenna   string
	Subplot   int
	PlotRange []float64
	FigFile   string
}

// PlotCal renders a calibration table diagnostic to FigFile.
func (c *CASA) PlotCal(ctx context.Context, req PlotRequest) error {
	subplot := req.Subplot
	if subplot == 0 {
		subplot = 111
	}
	plotRange := req.PlotRange
	if plotRange == nil {
		plotRange = []float64{}
	}
	args := []Arg{
		Kw("caltable", req.Table),
		Kw("xaxis", req.XAxis),
		Kw("yaxis", req.YAxis),
		Kw("timerange", req.TimeRange),
		Kw("iteration", req.Iteration),
		Kw("antenna", req.Antenna),
		Kw("subplot", subplot),
		Kw("plotrange", plotRange),
		Kw("showgui", false),
	}
	if req.FigFile != "" {
		args = append(args, Kw("figfile", req.FigFile))
	}
	return c.Exec(ctx, Call{Task: "plotcal", Args: args})
}

// ExtractColumn writes a new dataset holding only the named data column.
func (c *CASA) ExtractColumn(ctx context.Context, vis, output, column string) error {
	return c.Exec(ctx, Call{Task: "split", Args: []Arg{
		Kw("vis", vis),
		Kw("outputvis", output),
		Kw("datacolumn", column),
	}})
}

// RemoveTables deletes calibration tables left by an earlier run.
func (c *CASA) RemoveTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	calls := make([]Call, len(tables))
	for i, t := range tables {
		calls[i] = Call{Task: "rmtables", Args: []Arg{Kw("tablenames", t)}}
	}
	return c.Exec(ctx, calls...)
}

// ExportFITS converts a toolkit image to FITS, overwriting fitsImage.
func (c *CASA) ExportFITS(ctx context.Context, image, fitsImage string) error {
	return c.Exec(ctx, exportCall(image, fitsImage))
}

func exportCall(image, fitsImage string) Call {
	return Call{Task: "exportfits", Args: []Arg{
		Kw("imagename", image),
		Kw("fitsimage", fitsImage),
		Kw("overwrite", true),
		Kw("history", false),
	}}
}

// FixVis re-phases the dataset in place to phaseCenter.
func (c *CASA) FixVis(ctx context.Context, vis, field, phaseCenter string) error {
	monitoring.Logf("[toolkit] re-phasing %s to %s", vis, phaseCenter)
	return c.Exec(ctx, Call{Task: "fixvis", Args: []Arg{
		Kw("vis", vis),
		Kw("outputvis", vis),
		Kw("field", field),
		Kw("phasecenter", phaseCenter),
	}})
}

// Regrid reprojects image onto the pixel grid of template and writes the
// result to outputFITS.
func (c *CASA) Regrid(ctx context.Context, image, template, outputFITS string) error {
	staging := outputFITS + ".regrid"
	if err := c.fs.RemoveAll(c.Path(staging)); err != nil {
		return fmt.Errorf("remove %s: %w", staging, err)
	}
	return c.Exec(ctx,
		Call{Task: "imregrid", Args: []Arg{
			Kw("imagename", image),
			Kw("template", template),
			Kw("output", staging),
			Kw("interpolation", "linear"),
			Kw("overwrite", true),
		}},
		exportCall(staging, outputFITS),
	)
}

func repeatMap(spwMap []int, n int) [][]int {
	out := make([][]int, n)
	for i := range out {
		out[i] = spwMap
	}
	return out
}
