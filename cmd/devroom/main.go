package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "devroom",
		Short:        "devroom: collaborative project rooms with an AI pair",
		Long:         "Runs the devroom server, or joins a project room from this machine with a local sandbox.",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		serveCmd(),
		loginCmd(),
		projectsCmd(),
		createCmd(),
		openCmd(),
		tokenCmd(),
		notifyCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
