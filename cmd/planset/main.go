// Command planset runs quantity takeoffs on construction drawing sets.
//
// Usage:
//
//	planset serve --config planset.yaml
//	planset run --url https://host/set.pdf --project "Harbor Clinic" --location "Long Beach, CA" --building-type healthcare
//	planset ingest --plan-id pln_harbor https://host/a.pdf https://host/b.pdf
//	planset status job_...
//	planset export job_... --out takeoff.xlsx
package main

import (
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var (
	cfgFile  string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:          "planset",
	Short:        "Quantity takeoff pipeline for construction drawing PDFs",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to planset.yaml (defaults and environment when empty)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "KEY=value files loaded before the config")

	rootCmd.AddCommand(serveCmd, runCmd, ingestCmd, statusCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
