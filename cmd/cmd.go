// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, checkServerHeartbeat
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/Sygil-Dev/diffusers/api"
	"github.com/Sygil-Dev/diffusers/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// checkServerHeartbeat - Prueft ob der Server erreichbar ist
func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	return client.Heartbeat(cmd.Context())
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "diffusers",
		Short:         "Attention slicing and trace cache runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	serveCmd := newServeCmd()
	benchCmd := newBenchCmd()
	statsCmd := newStatsCmd()
	invalidateCmd := newInvalidateCmd()
	envCmd := newEnvCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["DIFFUSERS_HOST"]}

	for _, cmd := range []*cobra.Command{
		benchCmd,
		statsCmd,
		invalidateCmd,
		serveCmd,
	} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["DIFFUSERS_DEBUG"],
				envVars["DIFFUSERS_HOST"],
				envVars["DIFFUSERS_ORIGINS"],
				envVars["DIFFUSERS_PRECISION"],
				envVars["DIFFUSERS_LAYOUT"],
				envVars["DIFFUSERS_SLICE_SIZE"],
				envVars["DIFFUSERS_TRACE_MODE"],
				envVars["DIFFUSERS_TRACE_DIR"],
				envVars["DIFFUSERS_MAX_TRACES"],
				envVars["DIFFUSERS_NOTRACE"],
			})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		benchCmd,
		statsCmd,
		invalidateCmd,
		envCmd,
	)

	return rootCmd
}
