package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sugawarayuuta/sonnet"

	"github.com/i5heu/GoCDCQueue/internal/testbench"
	"github.com/i5heu/GoCDCQueue/pkg/asyncfifo"
	"github.com/i5heu/GoCDCQueue/pkg/axis"
	"github.com/i5heu/GoCDCQueue/pkg/buffered"
	"github.com/i5heu/GoCDCQueue/pkg/config"
)

// BenchmarkResult holds results for one scenario run.
type BenchmarkResult struct {
	Scenario      string  `json:"scenario"`
	Kind          string  `json:"kind"`
	Depth         uint64  `json:"depth"`
	SyncStages    int     `json:"sync_stages,omitempty"`
	InWidth       int     `json:"in_width,omitempty"`
	OutWidth      int     `json:"out_width,omitempty"`
	Produced      int64   `json:"produced"`             // elements or lanes sent
	Consumed      int64   `json:"consumed"`             // elements or lanes received
	Intact        bool    `json:"intact"`               // digests and counts matched
	SawFull       bool    `json:"saw_full,omitempty"`   // fifo and buffered runs
	ActualElapsed string  `json:"actual_elapsed"`       // measured time
	Throughput    float64 `json:"throughput_elems_sec"` // based on consumed count
	NsPerElement  float64 `json:"ns_per_element"`
	Timestamp     int64   `json:"timestamp"`
	GoVersion     string  `json:"go_version"`
}

// SystemInfo holds system information.
type SystemInfo struct {
	NumCPU      int     `json:"num_cpu"`
	TrueCPU     int     `json:"true_cpu,omitempty"`
	CPUModel    string  `json:"cpu_model,omitempty"`
	CPUSpeedMHz float64 `json:"cpu_speed_mhz,omitempty"`
	GOARCH      string  `json:"go_arch"`
	TotalMemory uint64  `json:"total_memory_bytes,omitempty"`
}

// FullReport represents a complete test session.
type FullReport struct {
	SessionTime string            `json:"session_time"`
	SystemInfo  SystemInfo        `json:"system_info"`
	Benchmarks  []BenchmarkResult `json:"benchmarks"`
}

// streamTimeout bounds a single stream scenario.
const streamTimeout = 2 * time.Minute

// runScenario runs s once and fills a result.
func runScenario(s config.Scenario) (BenchmarkResult, error) {
	r := BenchmarkResult{
		Scenario:   s.Name,
		Kind:       string(s.Kind),
		Depth:      s.Depth,
		SyncStages: s.SyncStages,
		InWidth:    s.InWidth,
		OutWidth:   s.OutWidth,
		Timestamp:  time.Now().Unix(),
		GoVersion:  runtime.Version(),
	}

	var elapsed time.Duration
	switch s.Kind {
	case config.KindFIFO:
		q, err := asyncfifo.New[uint64](s.FIFOConfig())
		if err != nil {
			return r, err
		}
		res := testbench.RunTimedTest(q, s.Pacing, s.Duration)
		r.Produced, r.Consumed, r.Intact, r.SawFull = res.Produced, res.Consumed, res.Ok(), res.SawFull
		elapsed = res.Elapsed
	case config.KindBuffered:
		q := buffered.New[uint64](s.Depth)
		res := testbench.RunTimedTest(q, s.Pacing, s.Duration)
		r.Produced, r.Consumed, r.Intact, r.SawFull = res.Produced, res.Consumed, res.Ok(), res.SawFull
		elapsed = res.Elapsed
	case config.KindStream:
		ac, err := s.AxisConfig()
		if err != nil {
			return r, err
		}
		p, err := axis.New(ac)
		if err != nil {
			return r, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		res, err := testbench.RunStream(ctx, p, s.Pacing, s.Beats)
		cancel()
		if err != nil {
			return r, err
		}
		r.Produced, r.Consumed, r.Intact = res.LanesIn, res.LanesOut, res.Ok()
		elapsed = res.Elapsed
	default:
		return r, errors.Errorf("unknown scenario kind %q", s.Kind)
	}

	r.ActualElapsed = elapsed.String()
	if r.Consumed > 0 {
		r.Throughput = float64(r.Consumed) / elapsed.Seconds()
		r.NsPerElement = float64(elapsed.Nanoseconds()) / float64(r.Consumed)
	}
	return r, nil
}

// outputMarkdownTable loads the JSON file and outputs a Markdown table.
func outputMarkdownTable(jsonFile string) {
	data, err := os.ReadFile(jsonFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading JSON file %q: %v\n", jsonFile, err)
		os.Exit(1)
	}
	var sessions []FullReport
	if err := sonnet.Unmarshal(data, &sessions); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshalling JSON: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "No sessions found in JSON.")
		os.Exit(1)
	}
	// Use the last session for the table.
	printMarkdownTable(os.Stdout, sessions[len(sessions)-1])
}

func printMarkdownTable(w io.Writer, session FullReport) {
	rows := averageByScenario(session.Benchmarks)
	fmt.Fprintln(w, "## Last Session Benchmark Summary")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Scenario                 | Kind     | Depth | K | Width     | Intact | Throughput (elems/sec) | ns/elem |")
	fmt.Fprintln(w, "|--------------------------|----------|-------|---|-----------|--------|------------------------|---------|")
	for _, r := range rows {
		width := "-"
		if r.InWidth > 0 {
			width = fmt.Sprintf("%d->%d", r.InWidth, r.OutWidth)
		}
		fmt.Fprintf(w, "| %-24s | %-8s | %5d | %1d | %-9s | %-6t | %22.0f | %7.1f |\n",
			r.Scenario, r.Kind, r.Depth, r.SyncStages, width, r.Intact, r.Throughput, r.NsPerElement)
	}
}

// averageByScenario folds iterations of the same scenario into one row,
// sorted by throughput descending. A row is intact only if every run was.
func averageByScenario(results []BenchmarkResult) []BenchmarkResult {
	index := map[string]int{}
	var rows []BenchmarkResult
	var counts []int
	for _, r := range results {
		i, ok := index[r.Scenario]
		if !ok {
			index[r.Scenario] = len(rows)
			rows = append(rows, r)
			counts = append(counts, 1)
			continue
		}
		rows[i].Throughput += r.Throughput
		rows[i].NsPerElement += r.NsPerElement
		rows[i].Intact = rows[i].Intact && r.Intact
		counts[i]++
	}
	for i := range rows {
		rows[i].Throughput /= float64(counts[i])
		rows[i].NsPerElement /= float64(counts[i])
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Throughput > rows[j].Throughput
	})
	return rows
}

func main() {
	// Flags.
	testIterations := flag.Int("iter", 3, "Number of iterations per scenario")
	cpuMaxFlag := flag.Int("cpu", 0, "If non-zero, test only that GOMAXPROCS value; if 0, test common CPU values up to runtime.NumCPU()")
	scenarioFile := flag.String("scenarios", "", "YAML scenario file; built-in scenarios if empty")
	dumpScenarios := flag.Bool("dump-scenarios", false, "Print the built-in scenarios as YAML and exit")
	jsonExport := flag.Bool("json", false, "Append results as JSON to -jsonfile")
	markdownTable := flag.Bool("markdown-table", false, "Output markdown table from -jsonfile and exit")
	jsonFile := flag.String("jsonfile", "test-results.json", "Path to the JSON results file")
	progressFlag := flag.Bool("progress", false, "Display a progress bar with ETA")
	flag.Parse()

	if *markdownTable {
		outputMarkdownTable(*jsonFile)
		return
	}
	if *dumpScenarios {
		if err := config.Encode(os.Stdout, config.Defaults()); err != nil {
			fmt.Fprintln(os.Stderr, "Error encoding scenarios:", err)
			os.Exit(1)
		}
		return
	}

	scenarios, err := config.Load(*scenarioFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading scenarios: %+v\n", err)
		os.Exit(1)
	}

	trueCpuCount := runtime.NumCPU()
	cpuSettings := cpuSettingsFor(*cpuMaxFlag, trueCpuCount)

	totalTests := len(cpuSettings) * (*testIterations) * len(scenarios)
	var bar *progressbar.ProgressBar
	if *progressFlag {
		bar = progressbar.NewOptions(totalTests,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("bench"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	var allSessions []FullReport
	failed := false

	// Iterate over the desired GOMAXPROCS settings.
	for _, cpus := range cpuSettings {
		runtime.GOMAXPROCS(cpus)
		sysInfo := gatherSystemInfo()
		sysInfo.NumCPU = cpus
		sysInfo.TrueCPU = trueCpuCount

		fmt.Printf("\n=============================\n")
		fmt.Printf("GOMAXPROCS = %d\n", cpus)
		fmt.Printf("=============================\n")

		var results []BenchmarkResult
		for iteration := 1; iteration <= *testIterations; iteration++ {
			fmt.Printf("  iteration %d/%d\n", iteration, *testIterations)
			for _, s := range scenarios {
				runtime.GC()
				r, err := runScenario(s)
				if bar != nil {
					bar.Add(1)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "    %s => error: %+v\n", s.Name, err)
					failed = true
					continue
				}
				if !r.Intact {
					failed = true
				}
				fmt.Printf("    %s => produced=%d, consumed=%d, intact=%t, throughput=%.0f elem/s, took=%s\n",
					r.Scenario, r.Produced, r.Consumed, r.Intact, r.Throughput, r.ActualElapsed)
				results = append(results, r)
			}
		}

		allSessions = append(allSessions, FullReport{
			SessionTime: time.Now().Format(time.RFC3339),
			SystemInfo:  sysInfo,
			Benchmarks:  results,
		})
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	if *jsonExport {
		if err := appendSessions(*jsonFile, allSessions); err != nil {
			fmt.Fprintln(os.Stderr, "Error writing JSON file:", err)
			os.Exit(1)
		}
		fmt.Printf("\nWrote results to %s\n", *jsonFile)
	}
	if failed {
		fmt.Fprintln(os.Stderr, "at least one scenario lost, duplicated or reordered data")
		os.Exit(2)
	}
}

// cpuSettingsFor returns the GOMAXPROCS values to test. Both domains need a
// thread, so single-CPU runs are skipped unless asked for.
func cpuSettingsFor(requested, trueCpuCount int) []int {
	if requested > 0 {
		return []int{min(requested, trueCpuCount)}
	}
	var out []int
	for _, v := range []int{2, 4, 8, 16, 32, 64} {
		if v <= trueCpuCount {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = []int{trueCpuCount}
	}
	return out
}

// appendSessions appends sessions to the JSON array in filename.
func appendSessions(filename string, sessions []FullReport) error {
	var previous []FullReport
	if data, err := os.ReadFile(filename); err == nil && len(data) > 0 {
		if err := sonnet.Unmarshal(data, &previous); err != nil {
			return errors.Wrapf(err, "existing %s is not a report", filename)
		}
	}
	data, err := sonnet.MarshalIndent(append(previous, sessions...), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// gatherSystemInfo collects basic CPU and memory details.
func gatherSystemInfo() SystemInfo {
	var cpuModel string
	var cpuSpeed float64
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		cpuModel = infos[0].ModelName
		cpuSpeed = infos[0].Mhz
	}

	var totalMemory uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMemory = vm.Total
	}

	return SystemInfo{
		NumCPU:      runtime.NumCPU(),
		CPUModel:    cpuModel,
		CPUSpeedMHz: cpuSpeed,
		GOARCH:      runtime.GOARCH,
		TotalMemory: totalMemory,
	}
}
