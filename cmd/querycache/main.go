package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	loadDotEnv()

	root := &cobra.Command{
		Use:           "querycache",
		Short:         "querycache: semantic cache for answered questions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCacheCmd(),
		newConfigCmd(),
		newConversationCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadDotEnv loads .env from the working directory if present, so config
// files can reference secrets through ${VAR}.
func loadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	if err := godotenv.Load(filepath.Join(wd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}
}
