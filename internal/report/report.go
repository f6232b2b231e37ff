// Package report renders the image-quality history of a self-calibration
// run as PNG plots and an interactive HTML page.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/selfcal"
)

// ErrNoData is returned when there is no quality history to render.
var ErrNoData = errors.New("no quality measurements to report")

// Output file names inside the report directory.
const (
	PSNRFile = "psnr.png"
	RMSFile  = "rms.png"
	HTMLFile = "quality.html"
)

var (
	psnrColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	rmsColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

func labels(history []selfcal.Metric) []string {
	out := make([]string, len(history))
	for i, m := range history {
		out[i] = m.ImageName
	}
	return out
}

// linePlot draws one quantity against pass number.
func linePlot(history []selfcal.Metric, title, ylabel string, c color.Color, value func(selfcal.Metric) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Imaging pass"
	p.Y.Label.Text = ylabel

	pts := make(plotter.XYs, len(history))
	for i, m := range history {
		pts[i] = plotter.XY{X: float64(i), Y: value(m)}
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("build %s series: %w", ylabel, err)
	}
	line.Color = c
	line.Width = vg.Points(1.5)
	points.Color = c
	p.Add(line, points, plotter.NewGrid())

	p.NominalX(labels(history)...)
	return p, nil
}

// RenderPNG renders one quantity ("psnr" or "rms") as a PNG image.
func RenderPNG(history []selfcal.Metric, quantity string) ([]byte, error) {
	if len(history) == 0 {
		return nil, ErrNoData
	}
	var p *plot.Plot
	var err error
	switch quantity {
	case "psnr":
		p, err = linePlot(history, "Peak signal-to-noise ratio", "PSNR", psnrColor,
			func(m selfcal.Metric) float64 { return m.Quality.PSNR })
	case "rms":
		p, err = linePlot(history, "Residual noise", "RMS (Jy/beam)", rmsColor,
			func(m selfcal.Metric) float64 { return m.Quality.Stdv })
	default:
		return nil, fmt.Errorf("unknown quantity %q", quantity)
	}
	if err != nil {
		return nil, err
	}

	w, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render %s plot: %w", quantity, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render %s plot: %w", quantity, err)
	}
	return buf.Bytes(), nil
}

func lineChart(title, subtitle, name string, x []string, y []opts.LineData) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Self-calibration quality", Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Image", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: name}),
	)
	line.SetXAxis(x).AddSeries(name, y,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return line
}

// RenderHTML writes an interactive page with the PSNR and RMS history.
func RenderHTML(w io.Writer, runID string, history []selfcal.Metric) error {
	if len(history) == 0 {
		return ErrNoData
	}
	x := labels(history)
	psnr := make([]opts.LineData, len(history))
	rms := make([]opts.LineData, len(history))
	for i, m := range history {
		psnr[i] = opts.LineData{Value: m.Quality.PSNR}
		rms[i] = opts.LineData{Value: m.Quality.Stdv}
	}
	subtitle := fmt.Sprintf("run=%s passes=%d", runID, len(history))

	page := components.NewPage()
	page.AddCharts(
		lineChart("Peak signal-to-noise ratio", subtitle, "PSNR", x, psnr),
		lineChart("Residual noise", subtitle, "RMS", x, rms),
	)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render quality page: %w", err)
	}
	return nil
}

// Write renders every report for history into dir and returns the paths
// written.
func Write(fs fsutil.FileSystem, dir, runID string, history []selfcal.Metric) ([]string, error) {
	if len(history) == 0 {
		return nil, ErrNoData
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	var written []string
	for _, f := range []struct{ quantity, name string }{{"psnr", PSNRFile}, {"rms", RMSFile}} {
		data, err := RenderPNG(history, f.quantity)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, f.name)
		if err := fs.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}

	var buf bytes.Buffer
	if err := RenderHTML(&buf, runID, history); err != nil {
		return written, err
	}
	path := filepath.Join(dir, HTMLFile)
	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return written, fmt.Errorf("write %s: %w", path, err)
	}
	written = append(written, path)

	monitoring.Logf("[report] wrote %d quality report(s) to %s", len(written), dir)
	return written, nil
}
