package imaging

import (
	"context"
	"fmt"

	"github.com/banshee-data/selfcal/internal/config"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/stats"
)

// Backend names accepted by the imager configuration key.
const (
	BackendClean   = "clean"
	BackendGPUvmem = "gpuvmem"
)

// ParamsFromConfig resolves the shared imaging parameters.
func ParamsFromConfig(cfg *config.SelfCalConfig) (Params, error) {
	if err := cfg.RequireVis(); err != nil {
		return Params{}, err
	}
	region, err := stats.RegionFromSlice(cfg.NoiseRegion)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	m, n := cfg.GetImsize()
	return Params{
		Vis:         cfg.GetVis(),
		Cell:        cfg.GetCell(),
		Robust:      cfg.GetRobust(),
		Weighting:   cfg.GetWeighting(),
		Field:       cfg.GetField(),
		Spw:         cfg.GetSpw(),
		Stokes:      cfg.GetStokes(),
		PhaseCenter: cfg.GetPhaseCenter(),
		DataColumn:  cfg.GetDataColumn(),
		M:           m,
		N:           n,
		Niter:       cfg.GetNiter(),
		NoiseRegion: region,
		SaveModel:   cfg.GetSaveModel(),
		Verbose:     cfg.GetVerbose(),
	}, nil
}

// CleanOptionsFromConfig resolves the deconvolution parameters.
func CleanOptionsFromConfig(c *config.CleanConfig) CleanOptions {
	return CleanOptions{
		Deconvolver:       c.GetDeconvolver(),
		Specmode:          c.GetSpecmode(),
		Gridder:           c.GetGridder(),
		WProjPlanes:       c.GetWProjPlanes(),
		Nterms:            c.GetNterms(),
		Threshold:         c.GetThreshold(),
		NSigma:            c.GetNSigma(),
		Interactive:       c.GetInteractive(),
		Mask:              c.GetMask(),
		UseMask:           c.GetUseMask(),
		SidelobeThreshold: c.GetSidelobeThreshold(),
		NoiseThreshold:    c.GetNoiseThreshold(),
		LowNoiseThreshold: c.GetLowNoiseThreshold(),
		NegativeThreshold: c.GetNegativeThreshold(),
		MinBeamFrac:       c.GetMinBeamFrac(),
		Scales:            c.Scales,
		UVTaper:           c.UVTaper,
		UVRange:           c.GetUVRange(),
		PBCor:             c.GetPBCor(),
		CycleNiter:        c.GetCycleNiter(),
		ReferenceFreq:     c.GetReferenceFreq(),
	}
}

// GPUvmemOptionsFromConfig resolves the external-optimizer parameters.
func GPUvmemOptionsFromConfig(g *config.GPUvmemConfig) GPUvmemOptions {
	return GPUvmemOptions{
		Executable:      g.GetExecutable(),
		GPUBlocks:       g.GetGPUBlocks(),
		InitialValues:   g.InitialValues,
		RegFactors:      g.RegFactors,
		GPUIDs:          g.GetGPUIDs(),
		ResidualOutput:  g.GetResidualOutput(),
		ModelInput:      g.GetModelInput(),
		UserMask:        g.GetUserMask(),
		ForceNoise:      g.ForceNoise,
		GriddingThreads: g.GetGriddingThreads(),
		Gridding:        g.GetGridding(),
		Positivity:      g.GetPositivity(),
		NoiseCut:        g.GetNoiseCut(),
		PrintImages:     g.GetPrintImages(),
	}
}

// New builds the backend named by the configuration.
func New(ctx context.Context, cfg *config.SelfCalConfig, tasks Tasks, proc Process, fs fsutil.FileSystem) (Imager, error) {
	p, err := ParamsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.GetImager() {
	case BackendClean:
		return NewClean(p, CleanOptionsFromConfig(cfg.GetClean()), tasks, fs), nil
	case BackendGPUvmem:
		return NewGPUvmem(ctx, p, GPUvmemOptionsFromConfig(cfg.GetGPUvmem()), tasks, proc, fs)
	default:
		return nil, fmt.Errorf("%w: unknown imager %q", config.ErrConfiguration, cfg.GetImager())
	}
}
