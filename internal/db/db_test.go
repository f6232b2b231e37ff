package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/flags"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/selfcal"
	"github.com/banshee-data/selfcal/internal/stats"
	"github.com/banshee-data/selfcal/internal/timeutil"
)

func setupTestDB(t *testing.T) (*DB, *timeutil.MockClock) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	db, err := NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db.SetClock(clock)
	return db, clock
}

func TestPragmasApplied(t *testing.T) {
	db, _ := setupTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	path := filepath.Join(t.TempDir(), "migrate.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(MigrationsFS()))
	require.NoError(t, db.MigrateUp(MigrationsFS()), "second up is a no-op")
	version, dirty, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'selfcal_%'`).Scan(&n))
	assert.Equal(t, 4, n)

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'selfcal_%'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateForce(MigrationsFS(), 1))
	version, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestRunLifecycle(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()
	start := clock.Now()

	rec, err := db.StartRun(ctx, "obs.ms", "TClean")
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID())

	pcal := &calchain.Solution{Name: "pcal0", Mode: calchain.Phase, Solint: "inf", MinSNR: 3, Combine: "spw"}
	ap := &calchain.Solution{
		Name: "apcal_0", Mode: calchain.AmplitudePhase, Solint: "inf", MinSNR: 2,
		Combine: "scan", Normalize: true, Parents: []*calchain.Solution{pcal},
	}
	require.NoError(t, rec.RecordSolution(ctx, pcal))
	require.NoError(t, rec.RecordSolution(ctx, ap))
	require.NoError(t, rec.RecordSnapshot(ctx, flags.Snapshot{Name: "before_phasecal", Order: 0, TakenAt: start}))
	require.NoError(t, rec.RecordSnapshot(ctx, flags.Snapshot{Name: "after_pcal0", Order: 1, TakenAt: start.Add(time.Minute)}))
	q := selfcal.Metric{Mode: calchain.Phase, Iteration: 0, ImageName: "img_ph0", Quality: stats.Quality{PSNR: 42, Peak: 2.1, Stdv: 0.05}}
	require.NoError(t, rec.RecordQuality(ctx, q))

	run, err := db.GetRun(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Equal(t, start, run.StartedAt)

	clock.Advance(time.Hour)
	require.NoError(t, rec.Finish(ctx, "obs.ms.selfcal", nil))

	run, err = db.GetRun(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, "obs.ms.selfcal", run.Output)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, start.Add(time.Hour), *run.FinishedAt)

	sols, err := db.Solutions(ctx, rec.ID())
	require.NoError(t, err)
	require.Len(t, sols, 2)
	assert.Equal(t, "pcal0", sols[0].Name)
	assert.Nil(t, sols[0].Parents)
	assert.Equal(t, calchain.AmplitudePhase, sols[1].Mode)
	assert.True(t, sols[1].Normalize)
	assert.Equal(t, []string{"pcal0"}, sols[1].Parents)

	snaps, err := db.Snapshots(ctx, rec.ID())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "after_pcal0", snaps[1].Name)
	assert.Equal(t, start.Add(time.Minute), snaps[1].TakenAt)

	hist, err := db.QualityHistory(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, []selfcal.Metric{q}, hist)
}

func TestRunFailureRecorded(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	rec, err := db.StartRun(ctx, "obs.ms", "GPUvmem")
	require.NoError(t, err)
	require.NoError(t, rec.Finish(ctx, "", errors.New("gaincal failed")))

	run, err := db.GetRun(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "gaincal failed", run.Error)
}

func TestGetRun_NotFound(t *testing.T) {
	db, _ := setupTestDB(t)
	_, err := db.GetRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestDuplicateSolutionRejected(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	rec, err := db.StartRun(ctx, "obs.ms", "TClean")
	require.NoError(t, err)

	sol := &calchain.Solution{Name: "pcal0", Mode: calchain.Phase, Solint: "inf", MinSNR: 3}
	require.NoError(t, rec.RecordSolution(ctx, sol))
	assert.Error(t, rec.RecordSolution(ctx, sol))
}

func TestListRunsAndLastSnapshot(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.LastSnapshot(ctx, "obs.ms")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := db.StartRun(ctx, "obs.ms", "TClean")
	require.NoError(t, err)
	require.NoError(t, first.RecordSnapshot(ctx, flags.Snapshot{Name: "before_phasecal", Order: 0, TakenAt: clock.Now()}))
	require.NoError(t, first.RecordSnapshot(ctx, flags.Snapshot{Name: "after_pcal0", Order: 1, TakenAt: clock.Now()}))

	clock.Advance(time.Hour)
	other, err := db.StartRun(ctx, "other.ms", "TClean")
	require.NoError(t, err)
	require.NoError(t, other.RecordSnapshot(ctx, flags.Snapshot{Name: "after_pcal3", Order: 0, TakenAt: clock.Now()}))

	clock.Advance(time.Hour)
	second, err := db.StartRun(ctx, "obs.ms", "TClean")
	require.NoError(t, err)
	require.NoError(t, second.RecordSnapshot(ctx, flags.Snapshot{Name: "before_phasecal", Order: 0, TakenAt: clock.Now()}))

	name, ok, err := db.LastSnapshot(ctx, "obs.ms")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "before_phasecal", name)

	require.NoError(t, second.RecordSnapshot(ctx, flags.Snapshot{Name: "after_pcal0", Order: 1, TakenAt: clock.Now()}))
	name, _, err = db.LastSnapshot(ctx, "obs.ms")
	require.NoError(t, err)
	assert.Equal(t, "after_pcal0", name)

	runs, err := db.ListRuns(ctx, "obs.ms", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID(), runs[0].ID)
	assert.Equal(t, first.ID(), runs[1].ID)

	all, err := db.ListRuns(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, other.ID(), all[1].ID)
}
