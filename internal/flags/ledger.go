// Package flags keeps the named flag versions saved during a
// self-calibration run so any of them can be restored later.
package flags

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/timeutil"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// Versioner saves and restores flag versions. *toolkit.CASA satisfies it.
type Versioner interface {
	FlagVersion(ctx context.Context, req toolkit.FlagVersionRequest) error
}

// Snapshot is one saved flag version.
type Snapshot struct {
	Name    string
	Order   int // position in the run, starting at 0
	TakenAt time.Time
}

// Ledger records the flag versions saved for one dataset during one run.
// Names are unique; reusing one is a programming error and panics.
type Ledger struct {
	vis       string
	versioner Versioner
	clock     timeutil.Clock

	snapshots []Snapshot
	names     map[string]bool
}

// NewLedger creates an empty ledger for vis.
func NewLedger(vis string, versioner Versioner, clock timeutil.Clock) *Ledger {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Ledger{
		vis:       vis,
		versioner: versioner,
		clock:     clock,
		names:     make(map[string]bool),
	}
}

// SaveBaseline saves the pre-calibration flag state, replacing any version of
// the same name left by an earlier run.
func (l *Ledger) SaveBaseline(ctx context.Context) (Snapshot, error) {
	return l.save(ctx, calchain.BaselineSnapshot, "replace")
}

// Save records the current flag state under name.
func (l *Ledger) Save(ctx context.Context, name string) (Snapshot, error) {
	return l.save(ctx, name, "")
}

func (l *Ledger) save(ctx context.Context, name, merge string) (Snapshot, error) {
	if name == "" {
		panic("flags: empty snapshot name")
	}
	if l.names[name] {
		panic(fmt.Sprintf("flags: snapshot %q already saved in this run", name))
	}

	monitoring.Logf("[flags] saving flag version %s of %s", name, l.vis)
	err := l.versioner.FlagVersion(ctx, toolkit.FlagVersionRequest{
		Vis:         l.vis,
		Mode:        toolkit.FlagSave,
		VersionName: name,
		Merge:       merge,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("save flag version %s: %w", name, err)
	}

	s := Snapshot{Name: name, Order: len(l.snapshots), TakenAt: l.clock.Now()}
	l.snapshots = append(l.snapshots, s)
	l.names[name] = true
	return s, nil
}

// Restore replaces the dataset's flags with the named version. The version
// may come from an earlier run.
func (l *Ledger) Restore(ctx context.Context, name string) error {
	monitoring.Logf("[flags] restoring flag version %s of %s", name, l.vis)
	err := l.versioner.FlagVersion(ctx, toolkit.FlagVersionRequest{
		Vis:         l.vis,
		Mode:        toolkit.FlagRestore,
		VersionName: name,
		Merge:       "replace",
	})
	if err != nil {
		return fmt.Errorf("restore flag version %s: %w", name, err)
	}
	return nil
}

// Baseline returns the pre-calibration snapshot if it was taken in this run.
func (l *Ledger) Baseline() (Snapshot, bool) {
	for _, s := range l.snapshots {
		if s.Name == calchain.BaselineSnapshot {
			return s, true
		}
	}
	return Snapshot{}, false
}

// Latest returns the most recent snapshot.
func (l *Ledger) Latest() (Snapshot, bool) {
	if len(l.snapshots) == 0 {
		return Snapshot{}, false
	}
	return l.snapshots[len(l.snapshots)-1], true
}

// Snapshots returns every snapshot in the order taken.
func (l *Ledger) Snapshots() []Snapshot {
	out := make([]Snapshot, len(l.snapshots))
	copy(out, l.snapshots)
	return out
}
