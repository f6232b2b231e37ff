package stats

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/astrogo/fitsio"
	"github.com/spf13/cast"

	"github.com/banshee-data/selfcal/internal/fsutil"
)

// Beam is the restoring beam of an image, in degrees.
type Beam struct {
	Major float64
	Minor float64
	PA    float64
}

// Image is the first plane of a FITS primary HDU with the header cards needed
// to write a derived image on the same grid.
type Image struct {
	Plane
	Beam *Beam         // nil when the header carries no BMAJ/BMIN
	WCS  []fitsio.Card // coordinate and unit keywords copied through on write
}

// Float returns the numeric value of a copied header card.
func (img *Image) Float(name string) (float64, bool) {
	for _, c := range img.WCS {
		if c.Name != name {
			continue
		}
		v, err := cast.ToFloat64E(c.Value)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// wcsKeys are carried from an input header to derived images.
var wcsKeys = []string{
	"BUNIT", "OBJECT", "TELESCOP", "RADESYS", "EQUINOX", "DATE-OBS",
	"CTYPE1", "CRVAL1", "CRPIX1", "CDELT1", "CUNIT1",
	"CTYPE2", "CRVAL2", "CRPIX2", "CDELT2", "CUNIT2",
	"CTYPE3", "CRVAL3", "CRPIX3", "CDELT3", "CUNIT3",
	"CTYPE4", "CRVAL4", "CRPIX4", "CDELT4", "CUNIT4",
	"RESTFRQ",
}

// FITSReader reads images stored as FITS files. Relative paths resolve
// against BaseDir.
type FITSReader struct {
	fs      fsutil.FileSystem
	BaseDir string
}

// NewFITSReader creates a FITS backend over fs.
func NewFITSReader(fs fsutil.FileSystem, baseDir string) *FITSReader {
	return &FITSReader{fs: fs, BaseDir: baseDir}
}

func (r *FITSReader) path(name string) string {
	if filepath.IsAbs(name) || r.BaseDir == "" {
		return name
	}
	return filepath.Join(r.BaseDir, name)
}

// ReadPlane implements Reader.
func (r *FITSReader) ReadPlane(ctx context.Context, path string) (*Plane, error) {
	img, err := r.ReadImage(path)
	if err != nil {
		return nil, err
	}
	return &img.Plane, nil
}

// ReadImage decodes the first plane of the primary HDU. Extra degenerate
// axes (Stokes, frequency) are ignored; only the first plane is read.
func (r *FITSReader) ReadImage(path string) (*Image, error) {
	full := r.path(path)
	if !r.fs.Exists(full) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, full)
	}
	data, err := r.fs.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrImageNotFound, full, err)
	}

	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not FITS: %v", ErrImageNotFound, full, err)
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no primary image", ErrImageNotFound, full)
	}
	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("%w: %s has %d axes, need at least 2", ErrImageNotFound, full, len(axes))
	}

	img := &Image{Plane: Plane{Width: axes[0], Height: axes[1]}}
	img.Data, err = decodePlane(hdu.Raw(), hdr.Bitpix(), axes[0]*axes[1],
		cardFloat(hdr, "BSCALE", 1), cardFloat(hdr, "BZERO", 0))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", full, err)
	}

	if hdr.Get("BMAJ") != nil && hdr.Get("BMIN") != nil {
		img.Beam = &Beam{
			Major: cardFloat(hdr, "BMAJ", 0),
			Minor: cardFloat(hdr, "BMIN", 0),
			PA:    cardFloat(hdr, "BPA", 0),
		}
	}
	for _, k := range wcsKeys {
		if c := hdr.Get(k); c != nil {
			img.WCS = append(img.WCS, fitsio.Card{Name: c.Name, Value: c.Value, Comment: c.Comment})
		}
	}
	return img, nil
}

// WriteImage writes img as a single-plane BITPIX -64 FITS file carrying its
// WCS cards and beam.
func (r *FITSReader) WriteImage(path string, img *Image) error {
	if len(img.Data) != img.Width*img.Height {
		return fmt.Errorf("image data has %d pixels, want %dx%d", len(img.Data), img.Width, img.Height)
	}

	var buf bytes.Buffer
	f, err := fitsio.Create(&buf)
	if err != nil {
		return fmt.Errorf("create fits: %w", err)
	}

	hdu := fitsio.NewImage(-64, []int{img.Width, img.Height})
	defer hdu.Close()

	cards := append([]fitsio.Card(nil), img.WCS...)
	if img.Beam != nil {
		cards = append(cards,
			fitsio.Card{Name: "BMAJ", Value: img.Beam.Major, Comment: "restoring beam major axis (deg)"},
			fitsio.Card{Name: "BMIN", Value: img.Beam.Minor, Comment: "restoring beam minor axis (deg)"},
			fitsio.Card{Name: "BPA", Value: img.Beam.PA, Comment: "restoring beam position angle (deg)"},
		)
	}
	if err := hdu.Header().Append(cards...); err != nil {
		return fmt.Errorf("fits header: %w", err)
	}
	if err := hdu.Write(img.Data); err != nil {
		return fmt.Errorf("fits data: %w", err)
	}
	if err := f.Write(hdu); err != nil {
		return fmt.Errorf("fits write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fits close: %w", err)
	}
	return r.fs.WriteFile(r.path(path), buf.Bytes(), 0644)
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	c := hdr.Get(name)
	if c == nil {
		return def
	}
	v, err := cast.ToFloat64E(c.Value)
	if err != nil {
		return def
	}
	return v
}

// decodePlane converts n big-endian pixels of the given BITPIX to physical
// values. Integer blanks are not special-cased; float NaNs pass through.
func decodePlane(raw []byte, bitpix, n int, bscale, bzero float64) ([]float64, error) {
	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	if size == 0 || len(raw) < n*size {
		return nil, fmt.Errorf("pixel data too short: %d bytes for %d pixels of BITPIX %d", len(raw), n, bitpix)
	}

	out := make([]float64, n)
	be := binary.BigEndian
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(be.Uint16(b)))
		case 32:
			v = float64(int32(be.Uint32(b)))
		case 64:
			v = float64(int64(be.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(be.Uint32(b)))
		case -64:
			v = math.Float64frombits(be.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
		}
		out[i] = bzero + bscale*v
	}
	return out, nil
}

// Exporter converts toolkit-native images to FITS. *toolkit.CASA satisfies it.
type Exporter interface {
	ExportFITS(ctx context.Context, image, fitsImage string) error
	Path(name string) string
}

// NativeReader reads toolkit-native images by exporting them to FITS first.
type NativeReader struct {
	exporter Exporter
	fs       fsutil.FileSystem
	fits     *FITSReader
}

// NewNativeReader creates the toolkit-native backend.
func NewNativeReader(exporter Exporter, fs fsutil.FileSystem) *NativeReader {
	return &NativeReader{exporter: exporter, fs: fs, fits: NewFITSReader(fs, "")}
}

// ReadPlane implements Reader. The exported copy is written next to the
// image as <path>.fits.
func (r *NativeReader) ReadPlane(ctx context.Context, path string) (*Plane, error) {
	if !r.fs.Exists(r.exporter.Path(path)) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, r.exporter.Path(path))
	}
	fitsName := path + ".fits"
	if err := r.exporter.ExportFITS(ctx, path, fitsName); err != nil {
		return nil, fmt.Errorf("export %s: %w", path, err)
	}
	return r.fits.ReadPlane(ctx, r.exporter.Path(fitsName))
}
