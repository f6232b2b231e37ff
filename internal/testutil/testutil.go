// Package testutil provides shared test utilities and fixtures.
//
// The FITS writer here encodes files by hand so fixtures do not depend on the
// library under test.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"
)

const fitsBlock = 2880

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertClose fails the test if got and want differ by more than tol.
func AssertClose(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %g, want %g (±%g)", name, got, want, tol)
	}
}

// FITSImage encodes a single-plane BITPIX -64 primary HDU. data is row-major
// with width pixels per row. Extra header keywords are written in key order;
// float values use E notation and strings are quoted.
func FITSImage(width, height int, data []float64, extra map[string]interface{}) []byte {
	if len(data) != width*height {
		panic(fmt.Sprintf("testutil: %d pixels for %dx%d image", len(data), width, height))
	}

	var hdr bytes.Buffer
	card(&hdr, "SIMPLE", "T")
	card(&hdr, "BITPIX", "-64")
	card(&hdr, "NAXIS", "2")
	card(&hdr, "NAXIS1", fmt.Sprint(width))
	card(&hdr, "NAXIS2", fmt.Sprint(height))

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := extra[k].(type) {
		case float64:
			card(&hdr, k, fmt.Sprintf("%.12E", v))
		case int:
			card(&hdr, k, fmt.Sprint(v))
		case string:
			card(&hdr, k, "'"+strings.ReplaceAll(v, "'", "''")+"'")
		default:
			panic(fmt.Sprintf("testutil: unsupported FITS value %T", v))
		}
	}
	hdr.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(&hdr, ' ')

	var body bytes.Buffer
	for _, v := range data {
		_ = binary.Write(&body, binary.BigEndian, v)
	}
	pad(&body, 0)

	return append(hdr.Bytes(), body.Bytes()...)
}

func card(b *bytes.Buffer, key, value string) {
	b.WriteString(fmt.Sprintf("%-8s= %20s", key, value))
	b.WriteString(strings.Repeat(" ", 80-30))
}

func pad(b *bytes.Buffer, fill byte) {
	if rem := b.Len() % fitsBlock; rem != 0 {
		b.Write(bytes.Repeat([]byte{fill}, fitsBlock-rem))
	}
}

// PointSource returns a width x height image of constant background with a
// single pixel of value peak at (x, y).
func PointSource(width, height, x, y int, background, peak float64) []float64 {
	data := make([]float64, width*height)
	for i := range data {
		data[i] = background
	}
	data[y*width+x] = peak
	return data
}

// Checkerboard returns an image alternating +amp and -amp. Its mean is zero
// for even pixel counts and its population standard deviation is amp.
func Checkerboard(width, height int, amp float64) []float64 {
	data := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x+y)%2 == 0 {
				data[y*width+x] = amp
			} else {
				data[y*width+x] = -amp
			}
		}
	}
	return data
}
