// Package chart renders the forecast trajectories of a suggestion
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// ErrNoPredictions is returned when a suggestion carries no trajectory
var ErrNoPredictions = errors.New("suggestion has no predictions")

// Options controls the rendered image
type Options struct {
	Width      int
	Height     int
	TargetLow  float64 // mg/dL
	TargetHigh float64 // mg/dL
	MmolL      bool
}

// DefaultOptions returns a 640x320 chart with a 70-180 band
func DefaultOptions() Options {
	return Options{Width: 640, Height: 320, TargetLow: 70, TargetHigh: 180}
}

const (
	margin = 36.0
	minBG  = 40.0
	maxBG  = 400.0
)

// curve colors, matching the Nightscout forecast palette
var curves = []struct {
	name string
	hex  string
	pick func(models.Predictions) []float64
}{
	{"IOB", "#1e88e5", func(p models.Predictions) []float64 { return p.IOB }},
	{"ZT", "#00acc1", func(p models.Predictions) []float64 { return p.ZT }},
	{"COB", "#fb8c00", func(p models.Predictions) []float64 { return p.COB }},
	{"UAM", "#c0ca33", func(p models.Predictions) []float64 { return p.UAM }},
}

// RenderPNG draws every non-empty trajectory over the target band and
// writes the PNG to w.
func RenderPNG(w io.Writer, s *models.Suggestion, opts Options) error {
	if s == nil || longest(s.Predictions) < 2 {
		return ErrNoPredictions
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		def := DefaultOptions()
		opts.Width, opts.Height = def.Width, def.Height
	}

	width, height := float64(opts.Width), float64(opts.Height)
	dc := gg.NewContext(opts.Width, opts.Height)
	dc.SetRGB255(17, 24, 39)
	dc.Clear()

	lo, hi := bounds(s.Predictions, opts)
	n := longest(s.Predictions)
	x := func(i int) float64 { return margin + float64(i)*(width-2*margin)/float64(n-1) }
	y := func(v float64) float64 { return height - margin - (v-lo)/(hi-lo)*(height-2*margin) }

	// Target band
	if opts.TargetHigh > opts.TargetLow {
		top, bottom := y(math.Min(opts.TargetHigh, hi)), y(math.Max(opts.TargetLow, lo))
		dc.SetRGBA255(74, 222, 128, 48)
		dc.DrawRectangle(margin, top, width-2*margin, bottom-top)
		dc.Fill()
	}

	// Axis labels
	face, err := loadFont(11)
	if err != nil {
		return fmt.Errorf("failed to load font: %w", err)
	}
	dc.SetFontFace(face)
	dc.SetColor(color.White)
	dc.DrawStringAnchored(label(hi, opts.MmolL), margin-4, margin, 1, 0.5)
	dc.DrawStringAnchored(label(lo, opts.MmolL), margin-4, height-margin, 1, 0.5)
	step := s.Predictions.StepMins
	if step <= 0 {
		step = 5
	}
	dc.DrawStringAnchored(fmt.Sprintf("+%.0fm", float64(n-1)*step), width-margin, height-margin/2, 1, 0.5)

	for i, c := range curves {
		values := c.pick(s.Predictions)
		if len(values) < 2 {
			continue
		}
		r, g, b := parseHexColor(c.hex)
		dc.SetRGB255(int(r), int(g), int(b))
		dc.SetLineWidth(2)
		dc.MoveTo(x(0), y(values[0]))
		for j := 1; j < len(values); j++ {
			dc.LineTo(x(j), y(values[j]))
		}
		dc.Stroke()
		dc.DrawStringAnchored(c.name, width-margin-float64(len(curves)-i)*40, margin/2, 0, 0.5)
	}

	// Current reading
	dc.SetColor(color.White)
	dc.DrawCircle(x(0), y(s.BG), 3)
	dc.Fill()

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return fmt.Errorf("failed to encode chart: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func longest(p models.Predictions) int {
	n := 0
	for _, c := range curves {
		if l := len(c.pick(p)); l > n {
			n = l
		}
	}
	return n
}

// bounds returns the plotted value range with a small buffer, clamped to
// the range trajectories are clamped to.
func bounds(p models.Predictions, opts Options) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, c := range curves {
		for _, v := range c.pick(p) {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if opts.TargetHigh > opts.TargetLow {
		lo = math.Min(lo, opts.TargetLow)
		hi = math.Max(hi, opts.TargetHigh)
	}
	lo = math.Max(minBG, lo-10)
	hi = math.Min(maxBG, hi+10)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

func label(mgdl float64, mmol bool) string {
	if mmol {
		return fmt.Sprintf("%.1f", models.ToMmol(mgdl))
	}
	return fmt.Sprintf("%.0f", mgdl)
}

// loadFont helper to load font safely
func loadFont(size float64) (font.Face, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}
