package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Sygil-Dev/diffusers/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
