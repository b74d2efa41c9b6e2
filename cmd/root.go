package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kyten/ficdl/internal/utils"
)

var (
	cfgFile string
	debug   bool
)

var FicdlVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "ficdl",
	Short:         "ficdl downloads serialized publications chapter by chapter",
	Version:       FicdlVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
