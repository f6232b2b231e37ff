package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical self-calibration defaults file.
const DefaultConfigPath = "config/selfcal.defaults.json"

// SelfCalConfig is the root configuration for one self-calibration run. It
// carries the shared imaging configuration, the per-backend parameters, one
// block per calibration loop and the toolkit execution settings.
//
// Every scalar is a pointer so a partial file only overrides what it names;
// the Get* methods supply the defaults.
type SelfCalConfig struct {
	// Dataset and imaging selectors shared by every stage
	Vis         *string  `json:"vis,omitempty" yaml:"vis,omitempty"`
	Output      *string  `json:"output,omitempty" yaml:"output,omitempty"`
	ImageName   *string  `json:"image_name,omitempty" yaml:"image_name,omitempty"`
	Field       *string  `json:"field,omitempty" yaml:"field,omitempty"`
	Spw         *string  `json:"spw,omitempty" yaml:"spw,omitempty"`
	Stokes      *string  `json:"stokes,omitempty" yaml:"stokes,omitempty"`
	PhaseCenter *string  `json:"phase_center,omitempty" yaml:"phase_center,omitempty"`
	Cell        *string  `json:"cell,omitempty" yaml:"cell,omitempty"`
	Imsize      []int    `json:"imsize,omitempty" yaml:"imsize,omitempty"`
	Robust      *float64 `json:"robust,omitempty" yaml:"robust,omitempty"`
	Weighting   *string  `json:"weighting,omitempty" yaml:"weighting,omitempty"`
	Niter       *int     `json:"niter,omitempty" yaml:"niter,omitempty"`
	DataColumn  *string  `json:"data_column,omitempty" yaml:"data_column,omitempty"`
	SaveModel   *bool    `json:"save_model,omitempty" yaml:"save_model,omitempty"`
	Verbose     *bool    `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	NoiseRegion []int    `json:"noise_region,omitempty" yaml:"noise_region,omitempty"` // x0,y0,x1,y1 (inclusive-exclusive)

	// Calibration settings shared by every loop
	MinBaselinesPerAntenna *int    `json:"min_baselines_per_antenna,omitempty" yaml:"min_baselines_per_antenna,omitempty"`
	RefAnt                 *string `json:"ref_ant,omitempty" yaml:"ref_ant,omitempty"`
	SpwMap                 []int   `json:"spw_map,omitempty" yaml:"spw_map,omitempty"`
	WantPlot               *bool   `json:"want_plot,omitempty" yaml:"want_plot,omitempty"`

	// Imager backend: "clean" or "gpuvmem"
	Imager  *string        `json:"imager,omitempty" yaml:"imager,omitempty"`
	Clean   *CleanConfig   `json:"clean,omitempty" yaml:"clean,omitempty"`
	GPUvmem *GPUvmemConfig `json:"gpuvmem,omitempty" yaml:"gpuvmem,omitempty"`

	// Loops, run in this order
	Phase          *LoopConfig `json:"phase,omitempty" yaml:"phase,omitempty"`
	Amplitude      *LoopConfig `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`
	AmplitudePhase *LoopConfig `json:"amplitude_phase,omitempty" yaml:"amplitude_phase,omitempty"`

	Toolkit *ToolkitConfig `json:"toolkit,omitempty" yaml:"toolkit,omitempty"`

	// Run ledger database and report output
	LedgerDB  *string `json:"ledger_db,omitempty" yaml:"ledger_db,omitempty"`
	ReportDir *string `json:"report_dir,omitempty" yaml:"report_dir,omitempty"`
}

// LoopConfig configures one calibration loop.
type LoopConfig struct {
	Enabled *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Solints []interface{} `json:"solints,omitempty" yaml:"solints,omitempty"` // "inf", "128s", or seconds as a number
	MinSNR  *float64      `json:"min_snr,omitempty" yaml:"min_snr,omitempty"`
	Combine *string       `json:"combine,omitempty" yaml:"combine,omitempty"`
}

// CleanConfig holds the iterative-deconvolution backend parameters.
type CleanConfig struct {
	Deconvolver       *string     `json:"deconvolver,omitempty" yaml:"deconvolver,omitempty"`
	Specmode          *string     `json:"specmode,omitempty" yaml:"specmode,omitempty"`
	Gridder           *string     `json:"gridder,omitempty" yaml:"gridder,omitempty"`
	WProjPlanes       *int        `json:"wproj_planes,omitempty" yaml:"wproj_planes,omitempty"`
	Nterms            *int        `json:"nterms,omitempty" yaml:"nterms,omitempty"`
	Threshold         *float64    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	NSigma            *float64    `json:"nsigma,omitempty" yaml:"nsigma,omitempty"`
	Interactive       *bool       `json:"interactive,omitempty" yaml:"interactive,omitempty"`
	Mask              *string     `json:"mask,omitempty" yaml:"mask,omitempty"`
	UseMask           *string     `json:"use_mask,omitempty" yaml:"use_mask,omitempty"`
	SidelobeThreshold *float64    `json:"sidelobe_threshold,omitempty" yaml:"sidelobe_threshold,omitempty"`
	NoiseThreshold    *float64    `json:"noise_threshold,omitempty" yaml:"noise_threshold,omitempty"`
	LowNoiseThreshold *float64    `json:"low_noise_threshold,omitempty" yaml:"low_noise_threshold,omitempty"`
	NegativeThreshold *float64    `json:"negative_threshold,omitempty" yaml:"negative_threshold,omitempty"`
	MinBeamFrac       *float64    `json:"min_beam_frac,omitempty" yaml:"min_beam_frac,omitempty"`
	Scales            []int       `json:"scales,omitempty" yaml:"scales,omitempty"`
	UVTaper           []string    `json:"uvtaper,omitempty" yaml:"uvtaper,omitempty"`
	UVRange           *string     `json:"uvrange,omitempty" yaml:"uvrange,omitempty"`
	PBCor             *bool       `json:"pbcor,omitempty" yaml:"pbcor,omitempty"`
	CycleNiter        *int        `json:"cycle_niter,omitempty" yaml:"cycle_niter,omitempty"`
	ReferenceFreq     interface{} `json:"reference_freq,omitempty" yaml:"reference_freq,omitempty"` // "1.4GHz" or Hz
}

// GPUvmemConfig holds the external-optimizer backend parameters.
type GPUvmemConfig struct {
	Executable      *string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	GPUBlocks       []int     `json:"gpu_blocks,omitempty" yaml:"gpu_blocks,omitempty"`
	InitialValues   []float64 `json:"initial_values,omitempty" yaml:"initial_values,omitempty"`
	RegFactors      []float64 `json:"reg_factors,omitempty" yaml:"reg_factors,omitempty"`
	GPUIDs          []int     `json:"gpu_ids,omitempty" yaml:"gpu_ids,omitempty"`
	ResidualOutput  *string   `json:"residual_output,omitempty" yaml:"residual_output,omitempty"`
	ModelInput      *string   `json:"model_input,omitempty" yaml:"model_input,omitempty"`
	UserMask        *string   `json:"user_mask,omitempty" yaml:"user_mask,omitempty"`
	ForceNoise      *float64  `json:"force_noise,omitempty" yaml:"force_noise,omitempty"`
	GriddingThreads *int      `json:"gridding_threads,omitempty" yaml:"gridding_threads,omitempty"`
	Gridding        *bool     `json:"gridding,omitempty" yaml:"gridding,omitempty"`
	Positivity      *bool     `json:"positivity,omitempty" yaml:"positivity,omitempty"`
	NoiseCut        *float64  `json:"noise_cut,omitempty" yaml:"noise_cut,omitempty"`
	PrintImages     *bool     `json:"print_images,omitempty" yaml:"print_images,omitempty"`
}

// ToolkitConfig says how toolkit tasks and external processes are executed.
type ToolkitConfig struct {
	Interpreter *string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	WorkDir     *string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Target      *string `json:"target,omitempty" yaml:"target,omitempty"`
	SSHUser     *string `json:"ssh_user,omitempty" yaml:"ssh_user,omitempty"`
	SSHKey      *string `json:"ssh_key,omitempty" yaml:"ssh_key,omitempty"`
	DryRun      *bool   `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// EmptySelfCalConfig returns a SelfCalConfig with all fields unset.
func EmptySelfCalConfig() *SelfCalConfig {
	return &SelfCalConfig{}
}

// LoadSelfCalConfig loads a SelfCalConfig from a JSON or YAML file.
// Fields omitted from the file fall back to the Get* defaults, so partial
// configs are safe.
func LoadSelfCalConfig(path string) (*SelfCalConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: config file must have .json, .yaml or .yml extension, got %q", ErrConfiguration, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfiguration, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySelfCalConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *SelfCalConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/selfcal/ and deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadSelfCalConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var (
	validWeightings = map[string]bool{"natural": true, "uniform": true, "briggs": true, "superuniform": true, "radial": true}
	validCombines   = map[string]bool{"": true, "spw": true, "scan": true, "spw,scan": true, "scan,spw": true, "field": true}
	validImagers    = map[string]bool{"clean": true, "gpuvmem": true}
	validColumns    = map[string]bool{"data": true, "corrected": true}
)

// Validate checks that the configuration values are valid. It does not
// require Vis; the driver may supply it from the command line, and
// RequireVis is checked once all sources are merged.
func (c *SelfCalConfig) Validate() error {
	if c.Imsize != nil {
		if len(c.Imsize) != 2 || c.Imsize[0] <= 0 || c.Imsize[1] <= 0 {
			return fmt.Errorf("%w: imsize must be two positive integers, got %v", ErrConfiguration, c.Imsize)
		}
	}
	if c.Robust != nil && (*c.Robust < -2 || *c.Robust > 2) {
		return fmt.Errorf("%w: robust must be between -2 and 2, got %f", ErrConfiguration, *c.Robust)
	}
	if c.Weighting != nil && !validWeightings[*c.Weighting] {
		return fmt.Errorf("%w: unknown weighting %q", ErrConfiguration, *c.Weighting)
	}
	if c.Niter != nil && *c.Niter < 0 {
		return fmt.Errorf("%w: niter must be non-negative, got %d", ErrConfiguration, *c.Niter)
	}
	if c.DataColumn != nil && !validColumns[*c.DataColumn] {
		return fmt.Errorf("%w: unknown data column %q", ErrConfiguration, *c.DataColumn)
	}
	if c.NoiseRegion != nil {
		r := c.NoiseRegion
		if len(r) != 4 || r[0] < 0 || r[1] < 0 || r[2] <= r[0] || r[3] <= r[1] {
			return fmt.Errorf("%w: noise_region must be x0,y0,x1,y1 with x1>x0 and y1>y0, got %v", ErrConfiguration, r)
		}
	}
	if c.MinBaselinesPerAntenna != nil && *c.MinBaselinesPerAntenna < 0 {
		return fmt.Errorf("%w: min_baselines_per_antenna must be non-negative, got %d", ErrConfiguration, *c.MinBaselinesPerAntenna)
	}
	if c.Imager != nil && !validImagers[*c.Imager] {
		return fmt.Errorf("%w: unknown imager %q (want clean or gpuvmem)", ErrConfiguration, *c.Imager)
	}

	loops := []struct {
		name string
		cfg  *LoopConfig
	}{
		{"phase", c.Phase},
		{"amplitude", c.Amplitude},
		{"amplitude_phase", c.AmplitudePhase},
	}
	for _, l := range loops {
		if l.cfg == nil {
			continue
		}
		if err := l.cfg.validate(); err != nil {
			return fmt.Errorf("%s: %w", l.name, err)
		}
	}

	if c.Clean != nil {
		if _, err := NormalizeFrequency(c.Clean.ReferenceFreq); err != nil {
			return fmt.Errorf("clean.reference_freq: %w", err)
		}
	}

	if g := c.GPUvmem; g != nil {
		if g.GPUBlocks != nil && len(g.GPUBlocks) != 3 {
			return fmt.Errorf("%w: gpuvmem.gpu_blocks must have 3 entries, got %d", ErrConfiguration, len(g.GPUBlocks))
		}
		if g.NoiseCut != nil && *g.NoiseCut <= 0 {
			return fmt.Errorf("%w: gpuvmem.noise_cut must be positive, got %f", ErrConfiguration, *g.NoiseCut)
		}
		if g.GriddingThreads != nil && *g.GriddingThreads <= 0 {
			return fmt.Errorf("%w: gpuvmem.gridding_threads must be positive, got %d", ErrConfiguration, *g.GriddingThreads)
		}
	}
	return nil
}

// RequireVis reports a configuration error when no visibility dataset is set.
func (c *SelfCalConfig) RequireVis() error {
	if c.GetVis() == "" {
		return fmt.Errorf("%w: visibility dataset path is required", ErrConfiguration)
	}
	return nil
}

func (l *LoopConfig) validate() error {
	if l.MinSNR != nil && *l.MinSNR <= 0 {
		return fmt.Errorf("%w: min_snr must be positive, got %f", ErrConfiguration, *l.MinSNR)
	}
	if l.Combine != nil && !validCombines[*l.Combine] {
		return fmt.Errorf("%w: unknown combine policy %q", ErrConfiguration, *l.Combine)
	}
	if l.Solints != nil {
		if _, err := NormalizeLadder(l.Solints); err != nil {
			return err
		}
	}
	return nil
}

func strOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// GetVis returns the visibility dataset path.
func (c *SelfCalConfig) GetVis() string { return strOr(c.Vis, "") }

// GetOutput returns the output prefix, defaulting to the dataset path.
func (c *SelfCalConfig) GetOutput() string { return strOr(c.Output, c.GetVis()) }

// GetImageName returns the base image name, defaulting to "selfcal".
func (c *SelfCalConfig) GetImageName() string { return strOr(c.ImageName, "selfcal") }

// GetField returns the field selector.
func (c *SelfCalConfig) GetField() string { return strOr(c.Field, "") }

// GetSpw returns the spectral-window selector.
func (c *SelfCalConfig) GetSpw() string { return strOr(c.Spw, "") }

// GetStokes returns the Stokes planes to image.
func (c *SelfCalConfig) GetStokes() string { return strOr(c.Stokes, "I") }

// GetPhaseCenter returns the phase center, empty when unset.
func (c *SelfCalConfig) GetPhaseCenter() string { return strOr(c.PhaseCenter, "") }

// GetCell returns the cell size.
func (c *SelfCalConfig) GetCell() string { return strOr(c.Cell, "") }

// GetImsize returns the image size as M, N.
func (c *SelfCalConfig) GetImsize() (int, int) {
	if len(c.Imsize) != 2 {
		return 512, 512
	}
	return c.Imsize[0], c.Imsize[1]
}

// GetRobust returns the Briggs robustness.
func (c *SelfCalConfig) GetRobust() float64 { return floatOr(c.Robust, 2.0) }

// GetWeighting returns the weighting scheme.
func (c *SelfCalConfig) GetWeighting() string { return strOr(c.Weighting, "briggs") }

// GetNiter returns the deconvolution iteration count.
func (c *SelfCalConfig) GetNiter() int { return intOr(c.Niter, 100) }

// GetDataColumn returns the data column imaged.
func (c *SelfCalConfig) GetDataColumn() string { return strOr(c.DataColumn, "corrected") }

// GetSaveModel returns whether imaging writes the model column.
func (c *SelfCalConfig) GetSaveModel() bool { return boolOr(c.SaveModel, true) }

// GetVerbose returns the imager verbosity.
func (c *SelfCalConfig) GetVerbose() bool { return boolOr(c.Verbose, true) }

// GetMinBaselinesPerAntenna returns the minimum baselines per antenna.
func (c *SelfCalConfig) GetMinBaselinesPerAntenna() int { return intOr(c.MinBaselinesPerAntenna, 4) }

// GetRefAnt returns the reference antenna.
func (c *SelfCalConfig) GetRefAnt() string { return strOr(c.RefAnt, "") }

// GetWantPlot returns whether diagnostic plots are emitted.
func (c *SelfCalConfig) GetWantPlot() bool { return boolOr(c.WantPlot, false) }

// GetImager returns the imaging backend name.
func (c *SelfCalConfig) GetImager() string { return strOr(c.Imager, "clean") }

// GetLedgerDB returns the run-ledger database path.
func (c *SelfCalConfig) GetLedgerDB() string { return strOr(c.LedgerDB, "selfcal_runs.db") }

// GetReportDir returns the directory quality reports are written to.
func (c *SelfCalConfig) GetReportDir() string { return strOr(c.ReportDir, "selfcal_report") }

// LoopSettings is a resolved LoopConfig with defaults applied.
type LoopSettings struct {
	Enabled bool
	Solints []string
	MinSNR  float64
	Combine string
}

func (l *LoopConfig) resolve(enabled bool, solints []interface{}, minSNR float64, combine string) (LoopSettings, error) {
	if l == nil {
		l = &LoopConfig{}
	}
	raw := l.Solints
	if raw == nil {
		raw = solints
	}
	s := LoopSettings{
		Enabled: boolOr(l.Enabled, enabled),
		MinSNR:  floatOr(l.MinSNR, minSNR),
		Combine: strOr(l.Combine, combine),
	}
	if !s.Enabled {
		return s, nil
	}
	ladder, err := NormalizeLadder(raw)
	if err != nil {
		return s, err
	}
	s.Solints = ladder
	return s, nil
}

// GetPhaseLoop returns the phase-only loop settings.
func (c *SelfCalConfig) GetPhaseLoop() (LoopSettings, error) {
	return c.Phase.resolve(true, []interface{}{"inf"}, 3.0, "spw")
}

// GetAmplitudeLoop returns the amplitude-only loop settings. Disabled by default.
func (c *SelfCalConfig) GetAmplitudeLoop() (LoopSettings, error) {
	return c.Amplitude.resolve(false, []interface{}{"1h"}, 2.0, "scan")
}

// GetAmplitudePhaseLoop returns the amplitude+phase loop settings.
func (c *SelfCalConfig) GetAmplitudePhaseLoop() (LoopSettings, error) {
	return c.AmplitudePhase.resolve(true, []interface{}{"inf"}, 3.0, "")
}

// GetToolkit returns the toolkit config, never nil.
func (c *SelfCalConfig) GetToolkit() *ToolkitConfig {
	if c.Toolkit == nil {
		return &ToolkitConfig{}
	}
	return c.Toolkit
}

// GetInterpreter returns the interpreter used to run toolkit scripts.
func (t *ToolkitConfig) GetInterpreter() string { return strOr(t.Interpreter, "python3") }

// GetWorkDir returns the directory toolkit scripts are written to.
func (t *ToolkitConfig) GetWorkDir() string { return strOr(t.WorkDir, ".") }

// GetTarget returns the execution host; empty means local.
func (t *ToolkitConfig) GetTarget() string { return strOr(t.Target, "") }

// GetSSHUser returns the ssh user for remote execution.
func (t *ToolkitConfig) GetSSHUser() string { return strOr(t.SSHUser, "") }

// GetSSHKey returns the ssh identity file for remote execution.
func (t *ToolkitConfig) GetSSHKey() string { return strOr(t.SSHKey, "") }

// GetDryRun returns whether commands are only logged.
func (t *ToolkitConfig) GetDryRun() bool { return boolOr(t.DryRun, false) }

// GetClean returns the clean config, never nil.
func (c *SelfCalConfig) GetClean() *CleanConfig {
	if c.Clean == nil {
		return &CleanConfig{}
	}
	return c.Clean
}

// GetGPUvmem returns the gpuvmem config, never nil.
func (c *SelfCalConfig) GetGPUvmem() *GPUvmemConfig {
	if c.GPUvmem == nil {
		return &GPUvmemConfig{}
	}
	return c.GPUvmem
}

// Deconvolver and the remaining clean accessors follow the toolkit defaults
// for short-baseline automasking.

func (c *CleanConfig) GetDeconvolver() string        { return strOr(c.Deconvolver, "hogbom") }
func (c *CleanConfig) GetSpecmode() string           { return strOr(c.Specmode, "mfs") }
func (c *CleanConfig) GetGridder() string            { return strOr(c.Gridder, "standard") }
func (c *CleanConfig) GetWProjPlanes() int           { return intOr(c.WProjPlanes, -1) }
func (c *CleanConfig) GetNterms() int                { return intOr(c.Nterms, 1) }
func (c *CleanConfig) GetThreshold() float64         { return floatOr(c.Threshold, 0) }
func (c *CleanConfig) GetNSigma() float64            { return floatOr(c.NSigma, 0) }
func (c *CleanConfig) GetInteractive() bool          { return boolOr(c.Interactive, false) }
func (c *CleanConfig) GetMask() string               { return strOr(c.Mask, "") }
func (c *CleanConfig) GetUseMask() string            { return strOr(c.UseMask, "auto-multithresh") }
func (c *CleanConfig) GetSidelobeThreshold() float64 { return floatOr(c.SidelobeThreshold, 2.0) }
func (c *CleanConfig) GetNoiseThreshold() float64    { return floatOr(c.NoiseThreshold, 4.25) }
func (c *CleanConfig) GetLowNoiseThreshold() float64 { return floatOr(c.LowNoiseThreshold, 1.5) }
func (c *CleanConfig) GetNegativeThreshold() float64 { return floatOr(c.NegativeThreshold, 0.0) }
func (c *CleanConfig) GetMinBeamFrac() float64       { return floatOr(c.MinBeamFrac, 0.3) }
func (c *CleanConfig) GetUVRange() string            { return strOr(c.UVRange, "") }
func (c *CleanConfig) GetPBCor() bool                { return boolOr(c.PBCor, false) }
func (c *CleanConfig) GetCycleNiter() int            { return intOr(c.CycleNiter, -1) }

// GetReferenceFreq returns the reference frequency as a quantity string, or
// "" to let the imager pick one. Validate rejects values this would drop.
func (c *CleanConfig) GetReferenceFreq() string {
	f, _ := NormalizeFrequency(c.ReferenceFreq)
	return f
}

func (g *GPUvmemConfig) GetExecutable() string { return strOr(g.Executable, "gpuvmem") }

// GetGPUBlocks returns the X, Y and V block sizes.
func (g *GPUvmemConfig) GetGPUBlocks() [3]int {
	if len(g.GPUBlocks) != 3 {
		return [3]int{16, 16, 256}
	}
	return [3]int{g.GPUBlocks[0], g.GPUBlocks[1], g.GPUBlocks[2]}
}

// GetGPUIDs returns the device list, defaulting to device 0.
func (g *GPUvmemConfig) GetGPUIDs() []int {
	if len(g.GPUIDs) == 0 {
		return []int{0}
	}
	return g.GPUIDs
}

func (g *GPUvmemConfig) GetResidualOutput() string { return strOr(g.ResidualOutput, "residuals.ms") }
func (g *GPUvmemConfig) GetModelInput() string     { return strOr(g.ModelInput, "") }
func (g *GPUvmemConfig) GetUserMask() string       { return strOr(g.UserMask, "") }
func (g *GPUvmemConfig) GetGriddingThreads() int   { return intOr(g.GriddingThreads, 4) }
func (g *GPUvmemConfig) GetGridding() bool         { return boolOr(g.Gridding, false) }
func (g *GPUvmemConfig) GetPositivity() bool       { return boolOr(g.Positivity, true) }
func (g *GPUvmemConfig) GetNoiseCut() float64      { return floatOr(g.NoiseCut, 10.0) }
func (g *GPUvmemConfig) GetPrintImages() bool      { return boolOr(g.PrintImages, false) }
