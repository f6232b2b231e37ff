package report

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/selfcal"
	"github.com/banshee-data/selfcal/internal/stats"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func history() []selfcal.Metric {
	return []selfcal.Metric{
		{Mode: calchain.Phase, Iteration: 0, ImageName: "img_ph0", Quality: stats.Quality{PSNR: 35.2, Peak: 1.1, Stdv: 0.031}},
		{Mode: calchain.Phase, Iteration: 1, ImageName: "img_ph1", Quality: stats.Quality{PSNR: 58.9, Peak: 1.2, Stdv: 0.020}},
		{Mode: calchain.AmplitudePhase, Iteration: 0, ImageName: "img_ap0", Quality: stats.Quality{PSNR: 77.4, Peak: 1.2, Stdv: 0.016}},
	}
}

func TestRenderPNG(t *testing.T) {
	for _, q := range []string{"psnr", "rms"} {
		data, err := RenderPNG(history(), q)
		require.NoError(t, err, q)
		assert.True(t, bytes.HasPrefix(data, pngMagic), "%s plot is not a PNG", q)
	}

	_, err := RenderPNG(history(), "beam")
	assert.Error(t, err)

	_, err = RenderPNG(nil, "psnr")
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestRenderPNG_SinglePass(t *testing.T) {
	data, err := RenderPNG(history()[:1], "psnr")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))
}

func TestRenderHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderHTML(&buf, "run-1234", history()))

	html := buf.String()
	assert.Contains(t, html, "Peak signal-to-noise ratio")
	assert.Contains(t, html, "Residual noise")
	assert.Contains(t, html, "img_ap0")
	assert.Contains(t, html, "run-1234")

	assert.True(t, errors.Is(RenderHTML(&buf, "x", nil), ErrNoData))
}

func TestWrite(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	fs := fsutil.NewMemoryFileSystem()
	paths, err := Write(fs, "/reports/run-1", "run-1", history())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("/reports/run-1", PSNRFile),
		filepath.Join("/reports/run-1", RMSFile),
		filepath.Join("/reports/run-1", HTMLFile),
	}, paths)

	for _, p := range paths {
		assert.True(t, fs.Exists(p), p)
	}
	data, err := fs.ReadFile(paths[0])
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))

	_, err = Write(fs, "/reports/empty", "run-2", nil)
	assert.True(t, errors.Is(err, ErrNoData))
	assert.False(t, fs.Exists("/reports/empty"))
}
