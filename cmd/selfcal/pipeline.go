package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/config"
	"github.com/banshee-data/selfcal/internal/db"
	"github.com/banshee-data/selfcal/internal/flags"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/imaging"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/report"
	"github.com/banshee-data/selfcal/internal/selfcal"
	"github.com/banshee-data/selfcal/internal/timeutil"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// pipeline wires one self-calibration run together. cmd runs toolkit
// scripts, proc runs external imagers; both are usually the same executor.
type pipeline struct {
	cfg       *config.SelfCalConfig
	cmd       toolkit.Commander
	proc      imaging.Process
	fs        fsutil.FileSystem
	clock     timeutil.Clock
	ledger    *db.DB // optional
	overwrite bool
}

type pipelineResult struct {
	RunID   string
	Output  string
	Loops   []*selfcal.LoopRun
	History []selfcal.Metric
	Reports []string
	Plan    *selfcal.RunPlan // set instead of the rest on a dry run
}

func (p *pipeline) casa() *toolkit.CASA {
	tk := p.cfg.GetToolkit()
	return toolkit.NewCASA(p.cmd, p.fs, tk.GetInterpreter(), tk.GetWorkDir())
}

func (p *pipeline) settings() selfcal.Settings {
	return selfcal.Settings{
		Vis:         p.cfg.GetVis(),
		Output:      p.cfg.GetOutput(),
		ImageName:   p.cfg.GetImageName(),
		MinBLPerAnt: p.cfg.GetMinBaselinesPerAntenna(),
		RefAnt:      p.cfg.GetRefAnt(),
		SpwMap:      p.cfg.SpwMap,
		WantPlot:    p.cfg.GetWantPlot(),
	}
}

type plannedLoop struct {
	mode     calchain.Mode
	settings config.LoopSettings
}

// plannedLoops resolves the enabled loops in run order. The amplitude loop
// solves on top of the phase head; the amplitude+phase loop on top of the
// newest table before it.
func (p *pipeline) plannedLoops() ([]plannedLoop, error) {
	var out []plannedLoop
	for _, l := range []struct {
		mode calchain.Mode
		get  func() (config.LoopSettings, error)
	}{
		{calchain.Phase, p.cfg.GetPhaseLoop},
		{calchain.Amplitude, p.cfg.GetAmplitudeLoop},
		{calchain.AmplitudePhase, p.cfg.GetAmplitudePhaseLoop},
	} {
		s, err := l.get()
		if err != nil {
			return nil, err
		}
		if s.Enabled {
			out = append(out, plannedLoop{mode: l.mode, settings: s})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no calibration loop is enabled", config.ErrConfiguration)
	}
	if out[0].mode != calchain.Phase {
		return nil, fmt.Errorf("%w: the %s loop needs the phase loop to run first", config.ErrConfiguration, out[0].mode)
	}
	return out, nil
}

// run executes every enabled loop, extracts the corrected data and writes
// the quality report when plots are enabled. The ledger, when present,
// records the run whether it succeeds or not. A dry run only plans.
func (p *pipeline) run(ctx context.Context) (*pipelineResult, error) {
	if err := p.cfg.RequireVis(); err != nil {
		return nil, err
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	loops, err := p.plannedLoops()
	if err != nil {
		return nil, err
	}
	if p.cfg.GetToolkit().GetDryRun() {
		return p.dryRun(loops)
	}

	casa := p.casa()
	imager, err := imaging.New(ctx, p.cfg, casa, p.proc, p.fs)
	if err != nil {
		return nil, err
	}
	sc := selfcal.New(p.settings(), imager, casa, flags.NewLedger(p.cfg.GetVis(), casa, p.clock), p.fs)

	res := &pipelineResult{}
	var rec *db.RunRecorder
	if p.ledger != nil {
		rec, err = p.ledger.StartRun(ctx, p.cfg.GetVis(), imager.Name())
		if err != nil {
			return nil, err
		}
		res.RunID = rec.ID()
		sc.SetRecorder(rec)
	}
	monitoring.Logf("[selfcal] run %s: %s with %s imager, %d loop(s)", res.RunID, p.cfg.GetVis(), imager.Name(), len(loops))

	runErr := p.runLoops(ctx, sc, loops, res)
	if runErr == nil {
		res.Output, runErr = sc.FinalizeOutput(ctx, p.overwrite)
	}
	res.History = sc.History()

	if rec != nil {
		if err := rec.Finish(ctx, res.Output, runErr); err != nil {
			monitoring.Logf("[selfcal] warning: %v", err)
		}
	}
	if p.cfg.GetWantPlot() && len(res.History) > 0 {
		dir := p.cfg.GetReportDir()
		if res.RunID != "" {
			dir = filepath.Join(dir, res.RunID)
		}
		paths, err := report.Write(p.fs, dir, res.RunID, res.History)
		if err != nil {
			monitoring.Logf("[selfcal] warning: quality report: %v", err)
		}
		res.Reports = paths
	}
	return res, runErr
}

// dryRun logs what a run would do without imaging, solving or touching the
// ledger. Nothing is executed, so no artifact can be checked.
func (p *pipeline) dryRun(loops []plannedLoop) (*pipelineResult, error) {
	sl := make([]selfcal.Loop, len(loops))
	for i, l := range loops {
		sl[i] = selfcal.LoopFromSettings(l.mode, l.settings, nil)
	}
	plan, err := selfcal.Plan(p.settings(), sl)
	if err != nil {
		return nil, err
	}
	imager := p.cfg.GetImager()
	if plan.Baseline != "" {
		monitoring.Logf("[DRY-RUN] flagmanager save %s", plan.Baseline)
	}
	for _, s := range plan.Steps {
		monitoring.Logf("[DRY-RUN] %s %d: image %s with %s", s.Mode, s.Iteration, s.Image, imager)
		monitoring.Logf("[DRY-RUN] %s %d: gaincal %s solint=%s minsnr=%g combine=%q parents=%v",
			s.Mode, s.Iteration, s.Table, s.Solint, s.MinSNR, s.Combine, s.Parents)
		if p.cfg.GetWantPlot() {
			monitoring.Logf("[DRY-RUN] %s %d: plotcal %s", s.Mode, s.Iteration, s.Table)
		}
		monitoring.Logf("[DRY-RUN] %s %d: applycal %v", s.Mode, s.Iteration, s.Apply)
		monitoring.Logf("[DRY-RUN] %s %d: flagmanager save %s", s.Mode, s.Iteration, s.Snapshot)
	}
	monitoring.Logf("[DRY-RUN] split corrected column to %s", plan.Output)
	return &pipelineResult{Plan: plan}, nil
}

func (p *pipeline) runLoops(ctx context.Context, sc *selfcal.SelfCal, loops []plannedLoop, res *pipelineResult) error {
	var parent *calchain.Solution
	for _, l := range loops {
		loop := selfcal.LoopFromSettings(l.mode, l.settings, nil)
		if l.mode != calchain.Phase {
			loop.Parent = parent
		}
		run, err := sc.Run(ctx, loop)
		if run != nil {
			res.Loops = append(res.Loops, run)
		}
		if err != nil {
			var runErr *selfcal.RunError
			if errors.As(err, &runErr) && runErr.LastCompleted >= 0 {
				last, _ := sc.Flags().Latest()
				monitoring.Logf("[selfcal] flags of the last completed iteration are saved as %s", last.Name)
			}
			return err
		}
		parent = run.Head()
	}
	return nil
}

// rollback restores the flags of vis to a saved version.
func rollback(ctx context.Context, cfg *config.SelfCalConfig, cmd toolkit.Commander, fs fsutil.FileSystem, ledger *db.DB, to string) (string, error) {
	if err := cfg.RequireVis(); err != nil {
		return "", err
	}
	if to == "" {
		if ledger == nil {
			return "", fmt.Errorf("%w: rollback needs --to or a run ledger", config.ErrConfiguration)
		}
		name, ok, err := ledger.LastSnapshot(ctx, cfg.GetVis())
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("no flag snapshots recorded for %s", cfg.GetVis())
		}
		to = name
	}
	tk := cfg.GetToolkit()
	casa := toolkit.NewCASA(cmd, fs, tk.GetInterpreter(), tk.GetWorkDir())
	if err := flags.NewLedger(cfg.GetVis(), casa, nil).Restore(ctx, to); err != nil {
		return "", err
	}
	return to, nil
}
