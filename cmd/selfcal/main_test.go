package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/selfcal/internal/config"
	"github.com/banshee-data/selfcal/internal/db"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/report"
	"github.com/banshee-data/selfcal/internal/runner"
	"github.com/banshee-data/selfcal/internal/selfcal"
	"github.com/banshee-data/selfcal/internal/testutil"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

var (
	callRe = regexp.MustCompile(`^(\w+)\((.*)\)$`)
	kwRe   = regexp.MustCompile(`(\w+)='((?:[^'\\]|\\.)*)'`)
)

// fakeToolkit stands in for the Python toolkit. It reads each script the
// pipeline writes and creates the products the real tasks would.
type fakeToolkit struct {
	t        *testing.T
	fs       *fsutil.MemoryFileSystem
	workDir  string
	scripts  map[string]string
	tasks    []string
	images   int
	restores []string
	failOn   string
}

func newFakeToolkit(t *testing.T) *fakeToolkit {
	return &fakeToolkit{t: t, fs: fsutil.NewMemoryFileSystem(), workDir: "/work", scripts: map[string]string{}}
}

func (f *fakeToolkit) WriteFile(path, content string) error {
	f.scripts[path] = content
	return nil
}

func (f *fakeToolkit) Run(ctx context.Context, name string, args ...string) (string, error) {
	if name != "python3" || len(args) != 1 {
		return "", fmt.Errorf("unexpected command %s %v", name, args)
	}
	script, ok := f.scripts[args[0]]
	if !ok {
		return "", fmt.Errorf("no script at %s", args[0])
	}
	for _, line := range strings.Split(script, "\n") {
		m := callRe.FindStringSubmatch(line)
		if m == nil || m[1] == "chdir" {
			continue
		}
		kw := map[string]string{}
		for _, a := range kwRe.FindAllStringSubmatch(m[2], -1) {
			if _, seen := kw[a[1]]; !seen {
				kw[a[1]] = a[2]
			}
		}
		if err := f.task(m[1], kw); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (f *fakeToolkit) path(name string) string { return filepath.Join(f.workDir, name) }

func (f *fakeToolkit) task(name string, kw map[string]string) error {
	f.tasks = append(f.tasks, name)
	if name == f.failOn {
		return fmt.Errorf("%s failed", name)
	}
	switch name {
	case "tclean":
		f.images++
		for _, ext := range []string{".image", ".residual", ".model"} {
			_ = f.fs.MkdirAll(f.path(kw["imagename"]+ext), 0o755)
		}
	case "exportfits":
		const size = 8
		var data []float64
		if strings.HasSuffix(kw["imagename"], ".residual") {
			data = testutil.Checkerboard(size, size, 0.1/float64(f.images))
		} else {
			data = testutil.PointSource(size, size, 4, 4, 0, 1)
		}
		return f.fs.WriteFile(f.path(kw["fitsimage"]), testutil.FITSImage(size, size, data, nil), 0o644)
	case "gaincal":
		return f.fs.MkdirAll(f.path(kw["caltable"]), 0o755)
	case "split":
		return f.fs.MkdirAll(f.path(kw["outputvis"]), 0o755)
	case "rmtables":
		return f.fs.RemoveAll(f.path(kw["tablenames"]))
	case "flagmanager":
		if kw["mode"] == "restore" {
			f.restores = append(f.restores, kw["versionname"])
		}
	}
	return nil
}

const testConfig = `
vis: obs.ms
image_name: tgt
cell: 0.1arcsec
imsize: [8, 8]
niter: 50
ref_ant: ea05
spw_map: [0, 0]
want_plot: true
imager: clean
phase:
  solints: [inf, 60]
amplitude_phase:
  enabled: true
  solints: [inf]
  min_snr: 2
toolkit:
  interpreter: python3
  work_dir: /work
report_dir: /reports
ledger_db: none
`

func writeConfig(t *testing.T, body string) *config.SelfCalConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selfcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.LoadSelfCalConfig(path)
	require.NoError(t, err)
	return cfg
}

func quiet(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
}

func testLedger(t *testing.T) *db.DB {
	t.Helper()
	ledger, err := db.NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestPipeline_EndToEnd(t *testing.T) {
	quiet(t)
	fake := newFakeToolkit(t)
	ledger := testLedger(t)
	p := &pipeline{cfg: writeConfig(t, testConfig), cmd: fake, proc: fake, fs: fake.fs, ledger: ledger}

	ctx := context.Background()
	res, err := p.run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "obs.ms.selfcal", res.Output)
	require.Len(t, res.Loops, 2)
	assert.Equal(t, "pcal1", res.Loops[0].Head().Name)
	assert.Equal(t, "apcal_0", res.Loops[1].Head().Name)
	assert.Equal(t, []string{"pcal1"}, res.Loops[1].Head().ParentNames())

	require.Len(t, res.History, 3)
	for i := 1; i < len(res.History); i++ {
		assert.Greater(t, res.History[i].Quality.PSNR, res.History[i-1].Quality.PSNR)
	}
	assert.Equal(t, []string{"tgt_ph0", "tgt_ph1", "tgt_ap0"}, []string{
		res.History[0].ImageName, res.History[1].ImageName, res.History[2].ImageName,
	})

	// Each apply script lists the lineage in order.
	var applies []string
	for _, s := range fake.scripts {
		for _, line := range strings.Split(s, "\n") {
			if strings.HasPrefix(line, "applycal(") {
				applies = append(applies, line)
			}
		}
	}
	require.Len(t, applies, 3)
	found := false
	for _, a := range applies {
		if strings.Contains(a, "gaintable=['pcal1', 'apcal_0']") {
			found = true
			assert.Contains(t, a, "spwmap=[[0, 0], [0, 0]]")
		}
	}
	assert.True(t, found, "amplitude+phase apply must carry the phase table first")

	require.NotEmpty(t, res.RunID)
	run, err := ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, run.Status)
	assert.Equal(t, "TClean", run.Imager)
	sols, err := ledger.Solutions(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, sols, 3)
	snaps, err := ledger.Snapshots(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, snaps, 4)

	require.Len(t, res.Reports, 3)
	assert.True(t, fake.fs.Exists(filepath.Join("/reports", res.RunID, report.HTMLFile)))
	assert.Contains(t, fake.tasks, "plotcal")

	name, ok, err := ledger.LastSnapshot(ctx, "obs.ms")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "after_apcal0", name)
}

func TestPipeline_FailureRecordedInLedger(t *testing.T) {
	quiet(t)
	fake := newFakeToolkit(t)
	fake.failOn = "applycal"
	ledger := testLedger(t)
	p := &pipeline{cfg: writeConfig(t, testConfig), cmd: fake, proc: fake, fs: fake.fs, ledger: ledger}

	ctx := context.Background()
	res, err := p.run(ctx)
	require.Error(t, err)

	var runErr *selfcal.RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, selfcal.StageApply, runErr.Stage)
	assert.True(t, errors.Is(err, toolkit.ErrTaskFailed))
	assert.Empty(t, res.Output)
	assert.NotContains(t, fake.tasks, "split")

	run, err := ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "applycal")
}

func TestPipeline_WithoutLedger(t *testing.T) {
	quiet(t)
	fake := newFakeToolkit(t)
	p := &pipeline{cfg: writeConfig(t, testConfig), cmd: fake, proc: fake, fs: fake.fs}

	res, err := p.run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.RunID)
	assert.True(t, fake.fs.Exists(filepath.Join("/reports", report.PSNRFile)))
}

func TestPipeline_NoReportWithoutPlots(t *testing.T) {
	quiet(t)
	fake := newFakeToolkit(t)
	cfg := writeConfig(t, strings.Replace(testConfig, "want_plot: true", "want_plot: false", 1))
	p := &pipeline{cfg: cfg, cmd: fake, proc: fake, fs: fake.fs}

	res, err := p.run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Reports)
	assert.False(t, fake.fs.Exists(filepath.Join("/reports", report.PSNRFile)))
	assert.NotContains(t, fake.tasks, "plotcal")
	assert.Len(t, res.History, 3)
}

func TestPipeline_DryRunPlansWithoutExecuting(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	cfg := writeConfig(t, strings.Replace(testConfig, "toolkit:\n", "toolkit:\n  dry_run: true\n", 1))
	exec := runner.NewExecutor("", "", "", true)
	memfs := fsutil.NewMemoryFileSystem()
	ledger := testLedger(t)
	p := &pipeline{cfg: cfg, cmd: exec, proc: exec, fs: memfs, ledger: ledger}

	ctx := context.Background()
	res, err := p.run(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	assert.Empty(t, res.RunID)
	assert.Empty(t, res.Output)
	assert.Empty(t, res.Reports)

	require.Len(t, res.Plan.Steps, 3)
	assert.Equal(t, "before_phasecal", res.Plan.Baseline)
	assert.Equal(t, []string{"pcal1", "apcal_0"}, res.Plan.Steps[2].Apply)
	assert.Equal(t, "obs.ms.selfcal", res.Plan.Output)

	all := strings.Join(logged, "\n")
	assert.Contains(t, all, "[DRY-RUN] phase 0: image tgt_ph0")
	assert.Contains(t, all, "[DRY-RUN] amplitude+phase 0: applycal [pcal1 apcal_0]")
	assert.Contains(t, all, "[DRY-RUN] amplitude+phase 0: flagmanager save after_apcal0")

	runs, err := ledger.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.False(t, memfs.Exists("/work/obs.ms.selfcal"))
	assert.False(t, memfs.Exists(filepath.Join("/reports", report.PSNRFile)))

	var buf bytes.Buffer
	printSummary(&buf, res, 0)
	assert.Contains(t, buf.String(), "Dry run, nothing was executed.")
	assert.Contains(t, buf.String(), "apcal_0")
}

func TestPipeline_ConfigurationErrors(t *testing.T) {
	quiet(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing vis", strings.Replace(testConfig, "vis: obs.ms", "", 1)},
		{"no loops", strings.NewReplacer(
			"phase:\n  solints: [inf, 60]", "phase:\n  enabled: false",
			"amplitude_phase:\n  enabled: true", "amplitude_phase:\n  enabled: false",
		).Replace(testConfig)},
		{"amplitude without phase", strings.Replace(testConfig, "phase:\n  solints: [inf, 60]", "phase:\n  enabled: false", 1)},
		{"unknown imager", strings.Replace(testConfig, "imager: clean", "imager: wsclean", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "selfcal.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			cfg, err := config.LoadSelfCalConfig(path)
			if err != nil {
				assert.True(t, errors.Is(err, config.ErrConfiguration))
				return
			}
			fake := newFakeToolkit(t)
			p := &pipeline{cfg: cfg, cmd: fake, proc: fake, fs: fake.fs}
			_, err = p.run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrConfiguration), "got %v", err)
			assert.Empty(t, fake.tasks)
		})
	}
}

func TestRollback(t *testing.T) {
	quiet(t)
	ctx := context.Background()
	fake := newFakeToolkit(t)
	ledger := testLedger(t)
	cfg := writeConfig(t, testConfig)

	p := &pipeline{cfg: cfg, cmd: fake, proc: fake, fs: fake.fs, ledger: ledger}
	_, err := p.run(ctx)
	require.NoError(t, err)

	name, err := rollback(ctx, cfg, fake, fake.fs, ledger, "")
	require.NoError(t, err)
	assert.Equal(t, "after_apcal0", name)

	name, err = rollback(ctx, cfg, fake, fake.fs, nil, "before_phasecal")
	require.NoError(t, err)
	assert.Equal(t, "before_phasecal", name)

	assert.Equal(t, []string{"after_apcal0", "before_phasecal"}, fake.restores)

	_, err = rollback(ctx, cfg, fake, fake.fs, nil, "")
	assert.True(t, errors.Is(err, config.ErrConfiguration))

	empty := testLedger(t)
	_, err = rollback(ctx, cfg, fake, fake.fs, empty, "")
	assert.Error(t, err)
}

func TestHistoryAndReport(t *testing.T) {
	quiet(t)
	ctx := context.Background()
	fake := newFakeToolkit(t)
	ledger := testLedger(t)
	p := &pipeline{cfg: writeConfig(t, testConfig), cmd: fake, proc: fake, fs: fake.fs, ledger: ledger}
	res, err := p.run(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printHistory(ctx, &buf, ledger, "obs.ms", 10))
	out := buf.String()
	assert.Contains(t, out, res.RunID)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "tgt_ap0")

	buf.Reset()
	require.NoError(t, printHistory(ctx, &buf, ledger, "other.ms", 10))
	assert.Contains(t, buf.String(), "No runs recorded")

	outFS := fsutil.NewMemoryFileSystem()
	paths, err := renderRunReport(ctx, ledger, outFS, res.RunID, "/out")
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	_, err = renderRunReport(ctx, ledger, outFS, "nope", "/out")
	assert.True(t, errors.Is(err, db.ErrRunNotFound))
}

func TestRunMigrate(t *testing.T) {
	quiet(t)
	ledger, err := db.OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer ledger.Close()

	var buf bytes.Buffer
	require.NoError(t, runMigrate(&buf, ledger, "status"))
	assert.Contains(t, buf.String(), "Current version: 0")

	buf.Reset()
	require.NoError(t, runMigrate(&buf, ledger, "up"))
	assert.Contains(t, buf.String(), "Current version: 1 (dirty: false)")

	buf.Reset()
	require.NoError(t, runMigrate(&buf, ledger, "down"))
	assert.Contains(t, buf.String(), "Current version: 0")

	buf.Reset()
	require.NoError(t, runMigrate(&buf, ledger, "force", "1"))
	assert.Contains(t, buf.String(), "Current version: 1 (dirty: false)")

	assert.True(t, errors.Is(runMigrate(&buf, ledger, "sideways"), config.ErrConfiguration))
	assert.True(t, errors.Is(runMigrate(&buf, ledger, "force"), config.ErrConfiguration))
	assert.True(t, errors.Is(runMigrate(&buf, ledger, "force", "one"), config.ErrConfiguration))
}

func TestPrintSummary(t *testing.T) {
	quiet(t)
	fake := newFakeToolkit(t)
	p := &pipeline{cfg: writeConfig(t, testConfig), cmd: fake, proc: fake, fs: fake.fs}
	res, err := p.run(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	printSummary(&buf, res, 0)
	out := buf.String()
	assert.Contains(t, out, "2/2 iteration(s) [pcal0 pcal1]")
	assert.Contains(t, out, "Self-calibrated data: obs.ms.selfcal")
	assert.Contains(t, out, "tgt_ph1")
}
