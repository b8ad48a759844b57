// cmd_trace.go - Stats, Invalidate und Env Commands
// Hauptfunktionen: StatsHandler, InvalidateHandler, EnvHandler
package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Sygil-Dev/diffusers/api"
	"github.com/Sygil-Dev/diffusers/envconfig"
	"github.com/Sygil-Dev/diffusers/format"
)

// StatsHandler - Zeigt Backend-Speicher und Trace-Cache-Zaehler an
func StatsHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("backend    %s (%s)\n", resp.Backend, resp.Device)
	fmt.Printf("memory     active %s, peak %s", format.HumanBytes2(resp.Memory.Active), format.HumanBytes2(resp.Memory.Peak))
	if resp.Memory.Limit != 0 {
		fmt.Printf(", limit %s", format.HumanBytes2(resp.Memory.Limit))
	}
	fmt.Println()
	fmt.Printf("traces     %d cached, %d hits, %d misses, %d builds, %d loads\n",
		resp.Traces.Entries, resp.Traces.Hits, resp.Traces.Misses, resp.Traces.Builds, resp.Traces.Loads)
	if resp.Traces.Invalidations != 0 || resp.Traces.Rejected != 0 {
		fmt.Printf("           %d invalidated, %d rejected\n", resp.Traces.Invalidations, resp.Traces.Rejected)
	}

	if len(resp.Entries) == 0 {
		return nil
	}

	fmt.Println()

	var data [][]string
	for _, e := range resp.Entries {
		data = append(data, []string{
			strings.TrimPrefix(e.Digest, "sha256-")[:12],
			strconv.Itoa(e.Ops),
			strconv.FormatUint(e.Replays, 10),
			format.HumanTime(e.Created, "Never"),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"DIGEST", "OPS", "REPLAYS", "CREATED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// InvalidateHandler - Verwirft Traces, einzeln oder alle
func InvalidateHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req := &api.InvalidateRequest{}
	if len(args) > 0 {
		req.Digest = args[0]
	}

	resp, err := client.Invalidate(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Printf("dropped %d trace(s)\n", resp.Dropped)
	return nil
}

// EnvHandler - Zeigt die Konfigurations-Umgebungsvariablen an
func EnvHandler(_ *cobra.Command, _ []string) error {
	envVars := envconfig.AsMap()

	var data [][]string
	for _, k := range slices.Sorted(maps.Keys(envVars)) {
		e := envVars[k]
		data = append(data, []string{e.Name, fmt.Sprintf("%v", e.Value), e.Description})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// newStatsCmd - Erstellt den stats Command
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show backend memory and trace cache counters",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    StatsHandler,
	}
}

// newInvalidateCmd - Erstellt den invalidate Command
func newInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "invalidate [DIGEST]",
		Short:   "Drop cached execution traces",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    InvalidateHandler,
	}
}

// newEnvCmd - Erstellt den env Command
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show diffusers environment variables",
		Args:  cobra.ExactArgs(0),
		RunE:  EnvHandler,
	}
}
