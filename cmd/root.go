package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X density/cmd.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "density",
	Short:         "Density runs batch compose projects, once or on a schedule",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
