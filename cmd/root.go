package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clarify",
	Short: "Clarification and confidence calibration engine for ambiguous automation requests",
	Long: `Clarify turns ambiguous natural language automation requests into
disambiguated, executable context. It runs multi-round clarification
sessions, scores resolution confidence, reuses past answers through a
semantic cache and calibrates its confidence weights from real outcomes.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".clarify.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
