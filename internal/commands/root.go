package commands

import (
	"context"
	"io"
	"os"

	"crypto_live/internal/app"
	"crypto_live/internal/infra"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crypto-live",
	Short: "Live cryptocurrency prices",
	Long: `Keeps a ranked list of cryptocurrencies in sync with live prices.

A CoinMarketCap snapshot seeds the list, CoinCap's price stream keeps it
current and the last good snapshot is cached for offline starts.

Examples:
  crypto-live watch                  # live table in the terminal
  crypto-live watch --query bit      # only assets matching "bit"
  crypto-live serve                  # HTTP API and /metrics
  crypto-live snapshot --limit 10    # print one page and exit
  crypto-live cache status           # inspect the cached snapshot`,
	Version:       infra.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default configs/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (same as --log-level debug)")
}

func bootstrap(ctx context.Context, opts app.Options) (*app.App, error) {
	opts.ConfigPath = configPath
	opts.LogLevel = logLevel
	if verbose {
		opts.LogLevel = "debug"
	}
	return app.Bootstrap(ctx, opts)
}

// bannerWriter returns os.Stderr when it is a terminal and nil otherwise.
func bannerWriter() io.Writer {
	fi, err := os.Stderr.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return os.Stderr
}
