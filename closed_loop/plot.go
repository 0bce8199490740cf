package main

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	control "cruise-mpc/closed_loop/longitudinal_control"
)

var (
	velocityColor  = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
	referenceColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}
	controlColor   = color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255}
)

// TraceSample is one cycle as plotted.
type TraceSample struct {
	TimeS     float64
	Velocity  float64
	Reference float64
	Control   float64
	SolveMS   float64
	Fallback  bool
}

// Trace accumulates cycle reports for the end-of-run plots.
type Trace struct {
	mu      sync.Mutex
	title   string
	samples []TraceSample
}

func NewTrace(title string) *Trace {
	return &Trace{title: title}
}

// Add records a report. The control is plotted against the time it was
// computed for and held until the next cycle.
func (t *Trace) Add(r control.CycleReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, TraceSample{
		TimeS:     r.TimeS,
		Velocity:  r.Measured.Velocity,
		Reference: r.Reference,
		Control:   r.Control,
		SolveMS:   float64(r.SolveTime.Microseconds()) / 1000,
		Fallback:  r.Fallback,
	})
}

// Samples returns a copy of the recorded samples.
func (t *Trace) Samples() []TraceSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceSample, len(t.samples))
	copy(out, t.samples)
	return out
}

func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// SavePNG draws velocity vs reference above the control signal.
func (t *Trace) SavePNG(path string) error {
	samples := t.Samples()
	if len(samples) == 0 {
		return fmt.Errorf("no samples to plot")
	}

	vel := make(plotter.XYs, len(samples))
	ref := make(plotter.XYs, len(samples))
	ctl := make(plotter.XYs, len(samples))
	for i, s := range samples {
		vel[i] = plotter.XY{X: s.TimeS, Y: s.Velocity}
		ref[i] = plotter.XY{X: s.TimeS, Y: s.Reference}
		ctl[i] = plotter.XY{X: s.TimeS, Y: s.Control * 100}
	}

	pv := plot.New()
	pv.Title.Text = t.title
	pv.Y.Label.Text = "Velocity (m/s)"
	pv.Add(plotter.NewGrid())

	velLine, err := plotter.NewLine(vel)
	if err != nil {
		return err
	}
	velLine.Color = velocityColor
	velLine.Width = vg.Points(1.5)

	refLine, err := plotter.NewLine(ref)
	if err != nil {
		return err
	}
	refLine.Color = referenceColor
	refLine.Width = vg.Points(1.5)
	refLine.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
	refLine.StepStyle = plotter.PostStep

	pv.Add(velLine, refLine)
	pv.Legend.Add("velocity", velLine)
	pv.Legend.Add("setpoint", refLine)
	pv.Legend.Top = false
	pv.Legend.Left = false

	pu := plot.New()
	pu.X.Label.Text = "Time (s)"
	pu.Y.Label.Text = "Control (%)"
	pu.Add(plotter.NewGrid())

	ctlLine, err := plotter.NewLine(ctl)
	if err != nil {
		return err
	}
	ctlLine.Color = controlColor
	ctlLine.Width = vg.Points(1.5)
	ctlLine.StepStyle = plotter.PostStep
	pu.Add(ctlLine)
	pu.Legend.Add("pedal", ctlLine)
	pu.Legend.Left = false

	plots := [][]*plot.Plot{{pv}, {pu}}
	img := vgimg.New(10*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(8),
		PadY:      vg.Millimeter * 4,
	}
	canvases := plot.Align(plots, tiles, dc)
	for j := range plots {
		plots[j][0].Draw(canvases[j][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// SaveHTML writes an interactive page with velocity, control and solve time
// charts.
func (t *Trace) SaveHTML(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := t.RenderHTML(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RenderHTML renders the chart page to w.
func (t *Trace) RenderHTML(w io.Writer) error {
	samples := t.Samples()
	if len(samples) == 0 {
		return fmt.Errorf("no samples to chart")
	}

	x := make([]string, len(samples))
	vel := make([]opts.LineData, len(samples))
	ref := make([]opts.LineData, len(samples))
	ctl := make([]opts.LineData, len(samples))
	solve := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = strconv.FormatFloat(s.TimeS, 'f', 2, 64)
		vel[i] = opts.LineData{Value: s.Velocity}
		ref[i] = opts.LineData{Value: s.Reference}
		ctl[i] = opts.LineData{Value: s.Control * 100}
		solve[i] = opts.LineData{Value: s.SolveMS}
	}

	newLine := func(title, yName string) *charts.Line {
		l := charts.NewLine()
		l.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: t.title, Width: "1000px", Height: "360px"}),
			charts.WithTitleOpts(opts.Title{Title: title}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: yName}),
		)
		return l
	}

	velChart := newLine(t.title, "m/s")
	velChart.SetXAxis(x).
		AddSeries("velocity", vel).
		AddSeries("setpoint", ref)

	ctlChart := newLine("Control", "%")
	ctlChart.SetXAxis(x).AddSeries("pedal", ctl)

	solveChart := newLine("Solve time", "ms")
	solveChart.SetXAxis(x).AddSeries("solve", solve)

	page := components.NewPage()
	page.AddCharts(velChart, ctlChart, solveChart)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
