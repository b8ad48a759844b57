// cmd_serve.go - Serve Command und Versions-Anzeige
// Hauptfunktionen: RunServer, versionHandler
package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Sygil-Dev/diffusers/api"
	"github.com/Sygil-Dev/diffusers/envconfig"
	"github.com/Sygil-Dev/diffusers/server"
	"github.com/Sygil-Dev/diffusers/version"
)

// RunServer - Startet den Diffusers-Server
func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// versionHandler - Zeigt Client- und Server-Version an
func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running Diffusers instance")
	}

	if serverVersion != "" {
		fmt.Printf("diffusers version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("Warning: client version is %s\n", version.Version)
	}
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start diffusers",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}
