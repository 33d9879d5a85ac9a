package main

import (
	"flag"
	"fmt"
	"image/color"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/sugawarayuuta/sonnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// BenchmarkResult is the subset of a cmd/bench result the graphs need.
type BenchmarkResult struct {
	Scenario     string  `json:"scenario"`
	Kind         string  `json:"kind"`
	Depth        uint64  `json:"depth"`
	SyncStages   int     `json:"sync_stages,omitempty"`
	InWidth      int     `json:"in_width,omitempty"`
	OutWidth     int     `json:"out_width,omitempty"`
	Consumed     int64   `json:"consumed"`
	Intact       bool    `json:"intact"`
	NsPerElement float64 `json:"ns_per_element"`
}

// SystemInfo holds system information.
type SystemInfo struct {
	NumCPU int `json:"num_cpu"`
}

// FullReport represents a complete test session.
type FullReport struct {
	SessionTime string            `json:"session_time"`
	SystemInfo  SystemInfo        `json:"system_info"`
	Benchmarks  []BenchmarkResult `json:"benchmarks"`
}

// depthStats holds "5%-avg-min", median, and "5%-avg-max" for one FIFO depth.
type depthStats struct {
	x      float64 // category index plus series offset
	depth  float64
	min    float64 // "average of bottom 5%"
	median float64
	max    float64 // "average of top 5%"
}

// statsPoints implements XYer and YErrorer for depthStats, so we can plot lines + error bars.
type statsPoints []depthStats

func (s statsPoints) Len() int                { return len(s) }
func (s statsPoints) XY(i int) (x, y float64) { return s[i].x, s[i].median }
func (s statsPoints) YError(i int) (low, high float64) {
	low = s[i].median - s[i].min
	high = s[i].max - s[i].median
	return low, high
}

// categoryTicks implements a categorical X-axis: 0,1,2,... => labels for depth.
type categoryTicks struct {
	positions []float64
	labels    []string
}

func (ct categoryTicks) Ticks(min, max float64) []plot.Tick {
	var ticks []plot.Tick
	for i, pos := range ct.positions {
		if pos >= min && pos <= max {
			ticks = append(ticks, plot.Tick{Value: pos, Label: ct.labels[i]})
		}
	}
	return ticks
}

// seriesName labels a result by what was measured rather than by scenario
// name, so runs of the same queue at different depths share a line.
func seriesName(b BenchmarkResult) string {
	switch b.Kind {
	case "fifo":
		k := b.SyncStages
		if k == 0 {
			k = 2
		}
		return fmt.Sprintf("asyncfifo K=%d", k)
	case "stream":
		return fmt.Sprintf("axis %d->%d", b.InWidth, b.OutWidth)
	}
	return b.Kind
}

// groupByCPU maps CPU count -> series -> depth -> ns/element samples. Runs
// that lost data are left out.
func groupByCPU(sessions []FullReport) map[int]map[string]map[float64][]float64 {
	out := make(map[int]map[string]map[float64][]float64)
	for _, session := range sessions {
		cpus := session.SystemInfo.NumCPU
		if _, ok := out[cpus]; !ok {
			out[cpus] = make(map[string]map[float64][]float64)
		}
		for _, b := range session.Benchmarks {
			if !b.Intact || b.Consumed == 0 || b.NsPerElement <= 0 {
				continue
			}
			name := seriesName(b)
			series := out[cpus][name]
			if series == nil {
				series = make(map[float64][]float64)
				out[cpus][name] = series
			}
			d := float64(b.Depth)
			series[d] = append(series[d], b.NsPerElement)
		}
	}
	return out
}

func main() {
	jsonFile := flag.String("jsonfile", "test-results.json", "Path to JSON file containing test sessions")
	outputPrefix := flag.String("out", "benchmark_graph", "Output graph image filename prefix")
	flag.Parse()

	data, err := os.ReadFile(*jsonFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading JSON file: %v\n", err)
		os.Exit(1)
	}

	var sessions []FullReport
	if err := sonnet.Unmarshal(data, &sessions); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshalling JSON: %v\n", err)
		os.Exit(1)
	}

	for cpus, seriesMap := range groupByCPU(sessions) {
		filename := fmt.Sprintf("%s_%d.png", *outputPrefix, cpus)
		if err := renderPlot(cpus, seriesMap, filename); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving plot for %d CPU(s): %v\n", cpus, err)
			continue
		}
		fmt.Printf("Graph for %d CPU(s) saved to %s\n", cpus, filename)
	}
}

func renderPlot(cpus int, seriesMap map[string]map[float64][]float64, filename string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Time per element (5%%-avg-min / Median / 5%%-avg-max) vs. FIFO depth for %d CPU(s)", cpus)
	p.X.Label.Text = "Depth (elements)"
	p.Y.Label.Text = "Time per element [log scale]"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.TickerFunc(logTicks)

	// Dark theme.
	p.BackgroundColor = color.RGBA{R: 30, G: 30, B: 30, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	p.Title.TextStyle.Color = white
	p.X.Label.TextStyle.Color = white
	p.Y.Label.TextStyle.Color = white
	p.X.Color = white
	p.Y.Color = white
	p.X.Tick.Label.Color = white
	p.Y.Tick.Label.Color = white
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.TextStyle.Color = white

	p.Add(plotter.NewGrid())

	// Union of depths in this CPU group, one category each.
	depthSet := make(map[float64]struct{})
	for _, series := range seriesMap {
		for d := range series {
			depthSet[d] = struct{}{}
		}
	}
	var depths []float64
	for d := range depthSet {
		depths = append(depths, d)
	}
	sort.Float64s(depths)

	category := make(map[float64]float64)
	var positions []float64
	var labels []string
	for i, d := range depths {
		category[d] = float64(i)
		positions = append(positions, float64(i))
		labels = append(labels, strconv.FormatFloat(d, 'f', -1, 64))
	}
	p.X.Tick.Marker = categoryTicks{positions: positions, labels: labels}

	// Sort series alphabetically for consistent legend ordering.
	var names []string
	for name := range seriesMap {
		names = append(names, name)
	}
	sort.Strings(names)

	colors := plotutil.SoftColors
	shapes := []draw.GlyphDrawer{
		draw.CircleGlyph{},
		draw.SquareGlyph{},
		draw.TriangleGlyph{},
		draw.CrossGlyph{},
		draw.PlusGlyph{},
	}

	// Slight offset so each series is visually separated.
	offsetRange := 0.4
	offsetStep := offsetRange / float64(max(len(names), 1))
	startOffset := -offsetRange/2 + offsetStep/2

	for i, name := range names {
		stats := buildStats(seriesMap[name])
		if len(stats) == 0 {
			continue
		}
		for j := range stats {
			stats[j].x = category[stats[j].depth] + startOffset + float64(i)*offsetStep
		}
		sp := statsPoints(stats)

		line, err := plotter.NewLine(sp)
		if err != nil {
			return err
		}
		line.Color = colors[i%len(colors)]

		points, err := plotter.NewScatter(sp)
		if err != nil {
			return err
		}
		points.GlyphStyle.Radius = vg.Points(5)
		points.Color = colors[i%len(colors)]
		points.Shape = shapes[i%len(shapes)]

		yErrBars, err := plotter.NewYErrorBars(sp)
		if err != nil {
			return err
		}
		yErrBars.Color = colors[i%len(colors)]

		p.Add(line, points, yErrBars)
		p.Legend.Add(name, line, points)
	}

	return p.Save(12*vg.Inch, 9*vg.Inch, filename)
}

// logTicks spaces about 20 labelled ticks evenly on a log axis.
func logTicks(min, max float64) []plot.Tick {
	const nTicks = 20.0
	if min <= 0 {
		min = 1e-9
	}
	if max <= min {
		max = min * 10
	}
	start := math.Log10(min)
	step := (math.Log10(max) - start) / nTicks

	var ticks []plot.Tick
	for i := 0.0; i <= nTicks; i++ {
		y := math.Pow(10, start+i*step)
		ticks = append(ticks, plot.Tick{Value: y, Label: formatNs(y)})
	}
	return ticks
}

// buildStats computes "average of bottom 5%", median, and "average of top 5%"
// per depth, ordered by depth.
func buildStats(byDepth map[float64][]float64) []depthStats {
	var out []depthStats
	for d, vals := range byDepth {
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		out = append(out, depthStats{
			x:      d,
			depth:  d,
			min:    averageOfRange(vals, 0.0, 0.05),
			median: median(vals),
			max:    averageOfRange(vals, 0.95, 1.0),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].depth < out[b].depth })
	return out
}

// averageOfRange returns the average of sortedVals in [startFrac, endFrac] of its length.
// E.g. averageOfRange(vals, 0, 0.05) is the average of the bottom 5%.
func averageOfRange(sortedVals []float64, startFrac, endFrac float64) float64 {
	n := len(sortedVals)
	if n == 0 {
		return 0
	}
	startIndex := int(float64(n) * startFrac)
	endIndex := min(int(float64(n)*endFrac), n)
	if startIndex >= endIndex {
		// fallback to median if 5% slice is too small
		return median(sortedVals)
	}
	sum := 0.0
	for i := startIndex; i < endIndex; i++ {
		sum += sortedVals[i]
	}
	return sum / float64(endIndex-startIndex)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return 0.5 * (sorted[mid-1] + sorted[mid])
}

// formatNs nicely formats a nanoseconds value in ns, µs, ms, or s.
func formatNs(ns float64) string {
	switch {
	case ns < 1e3:
		return fmt.Sprintf("%.0fns", ns)
	case ns < 1e6:
		return fmt.Sprintf("%.1fµs", ns/1e3)
	case ns < 1e9:
		return fmt.Sprintf("%.1fms", ns/1e6)
	default:
		return fmt.Sprintf("%.2fs", ns/1e9)
	}
}
