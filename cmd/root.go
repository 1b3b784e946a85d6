package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/arbx/flasharb/utils"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "flasharb",
	Short: "A continuous flash-loan arbitrage scanner",
	Long: `A scanner that watches a single chain for flash-loan arbitrage,
quoting configured pairs and triangular routes across venues in batched
multicalls and reporting opportunities whose profit clears the loan fee.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./flasharb.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	utils.InitLogger(debug)
}
