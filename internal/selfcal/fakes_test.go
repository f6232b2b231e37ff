package selfcal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/flags"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/timeutil"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// trace collects the operations of a run in the order they happen.
type trace struct {
	events []string
}

func (tr *trace) add(format string, args ...interface{}) {
	tr.events = append(tr.events, fmt.Sprintf(format, args...))
}

type fakeImager struct {
	tr      *trace
	runs    []string
	failAt  int // run index that fails, -1 for never
	quality stats.Quality
	hasQ    bool
}

func (f *fakeImager) Run(ctx context.Context, imageName string) (string, string, error) {
	f.hasQ = false
	idx := len(f.runs)
	f.runs = append(f.runs, imageName)
	f.tr.add("image %s", imageName)
	if idx == f.failAt {
		return "", "", fmt.Errorf("imager exploded")
	}
	f.quality = stats.Quality{PSNR: float64(10 * (idx + 1)), Peak: 1, Stdv: 1 / float64(10*(idx+1))}
	f.hasQ = true
	return imageName + ".image", imageName + ".residual", nil
}

func (f *fakeImager) Name() string                   { return "Fake" }
func (f *fakeImager) Vis() string                    { return "obs.ms" }
func (f *fakeImager) Field() string                  { return "0" }
func (f *fakeImager) Spw() string                    { return "0~3" }
func (f *fakeImager) Quality() (stats.Quality, bool) { return f.quality, f.hasQ }

// fakeCal answers calibration primitives from memory. Solved tables are
// created on the filesystem the way the toolkit would.
type fakeCal struct {
	tr        *trace
	fs        *fsutil.MemoryFileSystem
	solves    []toolkit.GainSolve
	applies   []toolkit.GainApply
	plots     []toolkit.PlotRequest
	extracts  int
	failSolve map[string]bool
	failApply bool
	failPlot  bool

	flags    []bool
	versions map[string][]bool
}

func newFakeCal(tr *trace, fs *fsutil.MemoryFileSystem) *fakeCal {
	return &fakeCal{tr: tr, fs: fs, failSolve: map[string]bool{}, flags: make([]bool, 8), versions: map[string][]bool{}}
}

func (f *fakeCal) Path(name string) string { return filepath.Join("/work", name) }

func (f *fakeCal) RemoveTables(ctx context.Context, tables ...string) error {
	for _, t := range tables {
		f.tr.add("rmtables %s", t)
		_ = f.fs.RemoveAll(f.Path(t))
	}
	return nil
}

func (f *fakeCal) SolveGains(ctx context.Context, req toolkit.GainSolve) error {
	f.tr.add("gaincal %s %v", req.Table, req.Parents)
	f.solves = append(f.solves, req)
	if f.failSolve[req.Table] {
		return toolkit.ErrSolveFailed
	}
	// Each solve flags one more sample, like solutions failing minsnr.
	f.flags[len(f.solves)%len(f.flags)] = true
	return f.fs.WriteFile(f.Path(req.Table)+"/table.dat", []byte(req.Solint), 0o644)
}

func (f *fakeCal) ApplyGains(ctx context.Context, req toolkit.GainApply) error {
	f.tr.add("applycal %v", req.Tables)
	f.applies = append(f.applies, req)
	if f.failApply {
		return toolkit.ErrTaskFailed
	}
	return nil
}

func (f *fakeCal) PlotCal(ctx context.Context, req toolkit.PlotRequest) error {
	f.tr.add("plotcal %s", req.Table)
	f.plots = append(f.plots, req)
	if f.failPlot {
		return toolkit.ErrTaskFailed
	}
	return nil
}

func (f *fakeCal) ExtractColumn(ctx context.Context, vis, output, column string) error {
	f.tr.add("split %s %s %s", vis, output, column)
	f.extracts++
	if err := f.fs.MkdirAll(f.Path(output), 0o755); err != nil {
		return err
	}
	return f.fs.WriteFile(f.Path(output)+"/table.dat", []byte(vis+":"+column), 0o644)
}

func (f *fakeCal) FlagVersion(ctx context.Context, req toolkit.FlagVersionRequest) error {
	f.tr.add("flagmanager %s %s", req.Mode, req.VersionName)
	switch req.Mode {
	case toolkit.FlagSave:
		f.versions[req.VersionName] = append([]bool(nil), f.flags...)
	case toolkit.FlagRestore:
		v, ok := f.versions[req.VersionName]
		if !ok {
			return fmt.Errorf("%w: no version %s", toolkit.ErrTaskFailed, req.VersionName)
		}
		f.flags = append([]bool(nil), v...)
	}
	return nil
}

type fakeRecorder struct {
	solutions []string
	snapshots []string
	quality   []Metric
	err       error
}

func (r *fakeRecorder) RecordSolution(ctx context.Context, s *calchain.Solution) error {
	r.solutions = append(r.solutions, s.Name)
	return r.err
}

func (r *fakeRecorder) RecordSnapshot(ctx context.Context, s flags.Snapshot) error {
	r.snapshots = append(r.snapshots, s.Name)
	return r.err
}

func (r *fakeRecorder) RecordQuality(ctx context.Context, m Metric) error {
	r.quality = append(r.quality, m)
	return r.err
}

type fixture struct {
	tr     *trace
	fs     *fsutil.MemoryFileSystem
	imager *fakeImager
	cal    *fakeCal
	sc     *SelfCal
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	if settings.Vis == "" {
		settings.Vis = "obs.ms"
	}
	if settings.ImageName == "" {
		settings.ImageName = "img"
	}
	tr := &trace{}
	fs := fsutil.NewMemoryFileSystem()
	imager := &fakeImager{tr: tr, failAt: -1}
	cal := newFakeCal(tr, fs)
	ledger := flags.NewLedger(settings.Vis, cal, timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	return &fixture{
		tr:     tr,
		fs:     fs,
		imager: imager,
		cal:    cal,
		sc:     New(settings, imager, cal, ledger, fs),
	}
}

func strPtr(s string) *string { return &s }
