// Package selfcal runs the self-calibration loops: image the current
// corrected data, solve for gains against the new model, apply them and
// snapshot the flags, once per solution interval.
//
// Every step is synchronous and each depends on the one before, so a run is
// strictly sequential. The engine is the only writer of the corrected data
// column while it runs.
package selfcal

import (
	"context"
	"fmt"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/flags"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/imaging"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// Calibrator is the set of calibration primitives the engine drives.
// *toolkit.CASA satisfies it.
type Calibrator interface {
	SolveGains(ctx context.Context, req toolkit.GainSolve) error
	ApplyGains(ctx context.Context, req toolkit.GainApply) error
	RemoveTables(ctx context.Context, tables ...string) error
	PlotCal(ctx context.Context, req toolkit.PlotRequest) error
	ExtractColumn(ctx context.Context, vis, output, column string) error
	Path(name string) string
}

// Metric is the quality measured for one imaging pass.
type Metric struct {
	Mode      calchain.Mode
	Iteration int
	ImageName string
	Quality   stats.Quality
}

// Recorder persists run progress as it happens. Recording failures are
// logged and do not stop the run.
type Recorder interface {
	RecordSolution(ctx context.Context, s *calchain.Solution) error
	RecordSnapshot(ctx context.Context, s flags.Snapshot) error
	RecordQuality(ctx context.Context, m Metric) error
}

// Settings are the calibration parameters shared by every loop.
type Settings struct {
	Vis         string
	Output      string // final dataset is Output + ".selfcal"; defaults to Vis
	ImageName   string
	MinBLPerAnt int
	RefAnt      string
	SpwMap      []int
	WantPlot    bool
}

// SelfCal holds the state shared by the loops of one run: the calibration
// chain, the flag ledger and the quality history.
type SelfCal struct {
	settings Settings
	imager   imaging.Imager
	cal      Calibrator
	ledger   *flags.Ledger
	fs       fsutil.FileSystem
	recorder Recorder

	chain   *calchain.Chain
	history []Metric
}

// New creates the engine for one run.
func New(settings Settings, imager imaging.Imager, cal Calibrator, ledger *flags.Ledger, fs fsutil.FileSystem) *SelfCal {
	if settings.Output == "" {
		settings.Output = settings.Vis
	}
	return &SelfCal{
		settings: settings,
		imager:   imager,
		cal:      cal,
		ledger:   ledger,
		fs:       fs,
		chain:    calchain.New(),
	}
}

// SetRecorder attaches a progress recorder. Passing nil detaches it.
func (sc *SelfCal) SetRecorder(r Recorder) {
	sc.recorder = r
}

// Chain returns the calibration chain built so far.
func (sc *SelfCal) Chain() *calchain.Chain { return sc.chain }

// Flags returns the flag ledger.
func (sc *SelfCal) Flags() *flags.Ledger { return sc.ledger }

// History returns every quality measurement of the run in order.
func (sc *SelfCal) History() []Metric {
	out := make([]Metric, len(sc.history))
	copy(out, sc.history)
	return out
}

// Stage names the step of an iteration that failed.
type Stage string

const (
	StageBaseline Stage = "baseline"
	StageImage    Stage = "image"
	StageSolve    Stage = "solve"
	StageApply    Stage = "apply"
	StageSnapshot Stage = "snapshot"
)

// RunError reports a loop that stopped. LastCompleted is the index of the
// last iteration whose snapshot was saved, or -1 when none was.
type RunError struct {
	Mode          calchain.Mode
	Iteration     int
	LastCompleted int
	Stage         Stage
	Err           error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s self-calibration stopped at iteration %d (%s), last completed iteration %d: %v",
		e.Mode, e.Iteration, e.Stage, e.LastCompleted, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func (sc *SelfCal) record(what string, err error) {
	if err != nil {
		monitoring.Logf("[selfcal] warning: recording %s failed: %v", what, err)
	}
}
