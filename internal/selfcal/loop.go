package selfcal

import (
	"context"
	"fmt"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/config"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// modeSpec holds what differs between the three loops. Everything else is
// shared by the one engine.
type modeSpec struct {
	defaultCombine string
	requiresParent bool
	normalize      bool
	baseline       bool // save the pre-calibration flag state first
	yAxis          string
	plotRange      []float64
}

var modes = map[calchain.Mode]modeSpec{
	calchain.Phase: {
		defaultCombine: "spw",
		baseline:       true,
		yAxis:          "phase",
		plotRange:      []float64{0, 0, -180, 180},
	},
	calchain.Amplitude: {
		defaultCombine: "scan",
		requiresParent: true,
		normalize:      true,
		yAxis:          "amp",
		plotRange:      []float64{0, 0, 0.2, 1.8},
	},
	calchain.AmplitudePhase: {
		defaultCombine: "scan",
		requiresParent: true,
		normalize:      true,
		yAxis:          "amp",
		plotRange:      []float64{0, 0, 0.2, 1.8},
	},
}

// Loop describes one self-calibration loop.
type Loop struct {
	Mode    calchain.Mode
	Solints []string // one iteration per entry, in order
	MinSNR  float64
	Combine *string // nil uses the mode default

	// Parent is the table every solve of an amplitude loop is made on top
	// of. Phase loops take no parent.
	Parent *calchain.Solution
}

// LoopFromSettings builds a Loop from resolved configuration.
func LoopFromSettings(mode calchain.Mode, s config.LoopSettings, parent *calchain.Solution) Loop {
	combine := s.Combine
	return Loop{
		Mode:    mode,
		Solints: s.Solints,
		MinSNR:  s.MinSNR,
		Combine: &combine,
		Parent:  parent,
	}
}

// LoopRun is the outcome of one loop.
type LoopRun struct {
	Mode          calchain.Mode
	Ladder        []string
	LastCompleted int // -1 when no iteration completed
	Solutions     []*calchain.Solution
	Quality       []Metric
}

// Head returns the newest table the loop produced, or nil.
func (r *LoopRun) Head() *calchain.Solution {
	if r == nil || len(r.Solutions) == 0 {
		return nil
	}
	return r.Solutions[len(r.Solutions)-1]
}

func (l Loop) validate() (modeSpec, error) {
	spec, ok := modes[l.Mode]
	if !ok {
		return spec, fmt.Errorf("%w: unknown calibration mode %q", config.ErrConfiguration, string(l.Mode))
	}
	if len(l.Solints) == 0 {
		return spec, fmt.Errorf("%w: %s loop needs at least one solution interval", config.ErrConfiguration, l.Mode)
	}
	for _, s := range l.Solints {
		if s == "" {
			return spec, fmt.Errorf("%w: %s loop has an empty solution interval", config.ErrConfiguration, l.Mode)
		}
	}
	if l.MinSNR <= 0 {
		return spec, fmt.Errorf("%w: %s loop min SNR must be positive, got %g", config.ErrConfiguration, l.Mode, l.MinSNR)
	}
	if spec.requiresParent && l.Parent == nil {
		return spec, fmt.Errorf("%w: %s loop needs a parent table", config.ErrConfiguration, l.Mode)
	}
	if !spec.requiresParent && l.Parent != nil {
		return spec, fmt.Errorf("%w: %s loop takes no parent table", config.ErrConfiguration, l.Mode)
	}
	return spec, nil
}

// Run executes loop. Each iteration images the current corrected data,
// solves a new table against that model with the parent lineage applied on
// the fly, writes the corrected data with lineage plus new table and saves
// a flag snapshot.
//
// On failure the returned LoopRun covers the completed iterations and the
// error is a *RunError naming the stage that failed. Configuration problems
// are reported before anything runs.
func (sc *SelfCal) Run(ctx context.Context, loop Loop) (*LoopRun, error) {
	spec, err := loop.validate()
	if err != nil {
		return nil, err
	}
	combine := spec.defaultCombine
	if loop.Combine != nil {
		combine = *loop.Combine
	}
	var parents []*calchain.Solution
	var parentTables []string
	if loop.Parent != nil {
		parents = []*calchain.Solution{loop.Parent}
		parentTables = loop.Parent.ApplyOrder()
	}

	run := &LoopRun{
		Mode:          loop.Mode,
		Ladder:        append([]string(nil), loop.Solints...),
		LastCompleted: -1,
	}
	fail := func(i int, stage Stage, err error) (*LoopRun, error) {
		return run, &RunError{Mode: loop.Mode, Iteration: i, LastCompleted: run.LastCompleted, Stage: stage, Err: err}
	}

	monitoring.Logf("[selfcal] %s loop: %d iteration(s), solints %v", loop.Mode, len(loop.Solints), loop.Solints)

	if spec.baseline {
		if _, ok := sc.ledger.Baseline(); !ok {
			snap, err := sc.ledger.SaveBaseline(ctx)
			if err != nil {
				return fail(-1, StageBaseline, err)
			}
			if sc.recorder != nil {
				sc.record("baseline snapshot", sc.recorder.RecordSnapshot(ctx, snap))
			}
		}
	}

	for i, solint := range loop.Solints {
		imageName := calchain.ImageName(sc.settings.ImageName, loop.Mode, i)
		if _, _, err := sc.imager.Run(ctx, imageName); err != nil {
			return fail(i, StageImage, err)
		}
		if q, ok := sc.imager.Quality(); ok {
			m := Metric{Mode: loop.Mode, Iteration: i, ImageName: imageName, Quality: q}
			sc.history = append(sc.history, m)
			run.Quality = append(run.Quality, m)
			if sc.recorder != nil {
				sc.record("quality", sc.recorder.RecordQuality(ctx, m))
			}
		}

		name := calchain.TableName(loop.Mode, i)
		if _, dup := sc.chain.Get(name); dup {
			panic(fmt.Sprintf("selfcal: calibration table %q already produced in this run", name))
		}
		sol := &calchain.Solution{
			Name:      name,
			Mode:      loop.Mode,
			Iteration: i,
			Solint:    solint,
			MinSNR:    loop.MinSNR,
			Combine:   combine,
			Normalize: spec.normalize,
			Parents:   parents,
		}

		if err := sc.cal.RemoveTables(ctx, name); err != nil {
			return fail(i, StageSolve, err)
		}
		err := sc.cal.SolveGains(ctx, toolkit.GainSolve{
			Vis:         sc.settings.Vis,
			Table:       name,
			Field:       sc.imager.Field(),
			Spw:         sc.imager.Spw(),
			RefAnt:      sc.settings.RefAnt,
			CalMode:     loop.Mode.CalMode(),
			Combine:     combine,
			Solint:      solint,
			MinSNR:      loop.MinSNR,
			MinBLPerAnt: sc.settings.MinBLPerAnt,
			Parents:     parentTables,
			SpwMap:      sc.settings.SpwMap,
			Normalize:   spec.normalize,
		})
		if err != nil {
			return fail(i, StageSolve, err)
		}
		sc.chain.Append(sol)
		run.Solutions = append(run.Solutions, sol)
		if sc.recorder != nil {
			sc.record("solution", sc.recorder.RecordSolution(ctx, sol))
		}

		if err := sc.PlotSelfCal(ctx, sol); err != nil {
			monitoring.Logf("[selfcal] warning: plotting %s failed: %v", name, err)
		}

		tables := sol.ApplyOrder()
		err = sc.cal.ApplyGains(ctx, toolkit.GainApply{
			Vis:     sc.settings.Vis,
			Field:   sc.imager.Field(),
			Tables:  tables,
			SpwMaps: sc.spwMaps(len(tables)),
		})
		if err != nil {
			return fail(i, StageApply, err)
		}

		snap, err := sc.ledger.Save(ctx, calchain.SnapshotName(loop.Mode, i))
		if err != nil {
			return fail(i, StageSnapshot, err)
		}
		if sc.recorder != nil {
			sc.record("snapshot", sc.recorder.RecordSnapshot(ctx, snap))
		}
		run.LastCompleted = i
		monitoring.Logf("[selfcal] %s iteration %d done: solint=%s table=%s applied=%v", loop.Mode, i, solint, name, tables)
	}
	return run, nil
}

// spwMaps repeats the configured spectral-window map once per applied
// table, or returns nil when no map is configured.
func (sc *SelfCal) spwMaps(n int) [][]int {
	if len(sc.settings.SpwMap) == 0 {
		return nil
	}
	maps := make([][]int, n)
	for i := range maps {
		maps[i] = sc.settings.SpwMap
	}
	return maps
}
