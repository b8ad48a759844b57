// cmd_bench.go - Benchmark Command
// Hauptfunktionen: BenchHandler, renderBenchTable
package cmd

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/agnivade/levenshtein"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Sygil-Dev/diffusers/api"
	"github.com/Sygil-Dev/diffusers/bench"
	"github.com/Sygil-Dev/diffusers/format"
)

// nearestPreset - Findet das aehnlichste eingebaute Preset
func nearestPreset(name string) string {
	var nearest string
	score := math.MaxInt
	for _, p := range bench.Presets() {
		if s := levenshtein.ComputeDistance(name, p); s < score {
			score = s
			nearest = p
		}
	}

	return nearest
}

// BenchHandler - Fuehrt eine Messreihe auf dem Server aus
func BenchHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req := &api.BenchRequest{}
	if len(args) > 0 {
		if _, err := bench.Preset(args[0]); err != nil {
			return fmt.Errorf("%w, did you mean %q?", err, nearestPreset(args[0]))
		}
		req.Preset = args[0]
	} else {
		req.Batch, _ = cmd.Flags().GetInt("batch")
		req.Heads, _ = cmd.Flags().GetInt("heads")
		req.SeqLen, _ = cmd.Flags().GetInt("seqlen")
		req.HeadDim, _ = cmd.Flags().GetInt("headdim")
	}

	req.SliceSizes, _ = cmd.Flags().GetIntSlice("slice-sizes")
	req.Runs, _ = cmd.Flags().GetInt("runs")
	req.Warmup, _ = cmd.Flags().GetInt("warmup")

	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintln(os.Stderr, "Running benchmark, this can take a moment...")
	}

	resp, err := client.Bench(cmd.Context(), req)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	renderBenchTable(resp)
	return nil
}

// renderBenchTable - Gibt die Messreihe als Tabelle aus
func renderBenchTable(resp *api.BenchResponse) {
	workload := fmt.Sprintf("%dx%dx%dx%d", resp.Batch, resp.Heads, resp.SeqLen, resp.HeadDim)
	if resp.Preset != "" {
		workload = fmt.Sprintf("%s (%s)", resp.Preset, workload)
	}
	fmt.Printf("benchmark %s  workload %s  total %s\n\n", resp.ID, workload, format.HumanDuration(resp.Total))

	var data [][]string
	for _, m := range resp.Measurements {
		data = append(data, []string{
			strconv.Itoa(m.SliceSize),
			strconv.Itoa(m.Groups),
			format.HumanDuration(m.Mean),
			format.HumanDuration(m.P50),
			format.HumanDuration(m.P95),
			format.HumanBytes2(m.PeakBytes),
			format.HumanBytes2(m.Estimate),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"SLICE", "GROUPS", "MEAN", "P50", "P95", "PEAK", "ESTIMATE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// newBenchCmd - Erstellt den bench Command
func newBenchCmd() *cobra.Command {
	benchCmd := &cobra.Command{
		Use:     "bench [PRESET]",
		Short:   "Measure attention slicing latency and memory",
		Long:    "Measure attention slicing latency and memory. Presets: " + fmt.Sprint(bench.Presets()),
		Args:    cobra.MaximumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    BenchHandler,
	}

	benchCmd.Flags().Int("batch", 1, "Batch size when no preset is given")
	benchCmd.Flags().Int("heads", 8, "Attention head count when no preset is given")
	benchCmd.Flags().Int("seqlen", 256, "Sequence length when no preset is given")
	benchCmd.Flags().Int("headdim", 64, "Head dimension when no preset is given")
	benchCmd.Flags().IntSlice("slice-sizes", nil, "Slice sizes to measure (default 1..heads)")
	benchCmd.Flags().Int("runs", 0, "Timed runs per slice size")
	benchCmd.Flags().Int("warmup", 0, "Warmup runs per slice size")
	benchCmd.Flags().Bool("json", false, "Print the raw benchmark result as JSON")

	return benchCmd
}
