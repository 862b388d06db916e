package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"labtools/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "labtools",
	Short: "Labtools CLI - extract biomarker records from lab report PDFs",
	Long: `Labtools turns uploaded lab report PDFs into canonical biomarker records.

Each report is analyzed with Google Document AI, its result tables are
reconstructed and filtered, test names are normalized and every measurement is
upserted into the record store keyed by subject and record ID. Reprocessing a
report overwrites its records instead of duplicating them.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("Labtools CLI executed")

		fmt.Println("Welcome to Labtools CLI!")
		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("rules", "", "YAML file extending the built-in filter rules (default: $RULES_FILE)")
}
