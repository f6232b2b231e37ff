package selfcal

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/toolkit"
)

// ErrOutputExists is returned by FinalizeOutput when the final dataset is
// already present and overwriting was not requested.
var ErrOutputExists = errors.New("self-calibrated dataset already exists")

// OutputSuffix is appended to the output base name for the final dataset.
const OutputSuffix = ".selfcal"

// PlotSelfCal renders the diagnostic gain plot for sol next to the table.
// It does nothing when plotting is disabled.
func (sc *SelfCal) PlotSelfCal(ctx context.Context, sol *calchain.Solution) error {
	if !sc.settings.WantPlot {
		return nil
	}
	spec, ok := modes[sol.Mode]
	if !ok {
		return fmt.Errorf("cannot plot table %s: unknown mode %q", sol.Name, string(sol.Mode))
	}
	return sc.cal.PlotCal(ctx, toolkit.PlotRequest{
		Table:     sol.Name,
		XAxis:     "time",
		YAxis:     spec.yAxis,
		Iteration: "antenna",
		Subplot:   421,
		PlotRange: spec.plotRange,
		FigFile:   sol.Name + ".png",
	})
}

// OutputName returns the name of the final self-calibrated dataset.
func (sc *SelfCal) OutputName() string {
	return sc.settings.Output + OutputSuffix
}

// FinalizeOutput extracts the corrected data column into a new dataset and
// returns its name. With overwrite set an existing dataset is replaced, so
// repeating the call yields the same result.
func (sc *SelfCal) FinalizeOutput(ctx context.Context, overwrite bool) (string, error) {
	out := sc.OutputName()
	path := sc.cal.Path(out)
	if sc.fs.Exists(path) {
		if !overwrite {
			return "", fmt.Errorf("%w: %s", ErrOutputExists, out)
		}
		if err := sc.fs.RemoveAll(path); err != nil {
			return "", fmt.Errorf("failed to remove previous output %s: %w", out, err)
		}
	}
	if err := sc.cal.ExtractColumn(ctx, sc.settings.Vis, out, "corrected"); err != nil {
		return "", fmt.Errorf("failed to extract corrected data to %s: %w", out, err)
	}
	monitoring.Logf("[selfcal] wrote %s", out)
	return out, nil
}
