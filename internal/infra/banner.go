package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// SourceMode summarizes which upstreams the configuration enables.
func SourceMode(cfg *Config) string {
	switch {
	case !cfg.Features.EnableCMC && !cfg.Features.EnableWebSocket:
		return "CACHE ONLY"
	case !cfg.Features.EnableCMC:
		return "STREAM + CACHE"
	case cfg.API.CoinMarketCap.APIKey == "":
		return "NO API KEY"
	case !cfg.Features.EnableWebSocket:
		return "SNAPSHOT ONLY"
	default:
		return "LIVE"
	}
}

// PrintBanner writes the startup banner with the active data sources.
func PrintBanner(w io.Writer, cfg *Config) {
	mode := SourceMode(cfg)

	color := ColorGreen
	switch mode {
	case "NO API KEY":
		color = ColorRed
	case "CACHE ONLY", "STREAM + CACHE":
		color = ColorYellow
	case "SNAPSHOT ONLY":
		color = ColorCyan
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}

	fmt.Fprintln(w)
	line("###########################################################")
	line("#               Crypto Live Price Sync                    #")
	line("#                                                         #")
	line("#   MODE:    %-44s #", mode)
	line("#   CACHE:   %-44s #", strings.ToUpper(cfg.Cache.Backend))
	line("#   VERSION: %-44s #", cfg.App.Version)

	if mode == "NO API KEY" {
		fmt.Fprintf(w, "%s#   WARNING: set CRYPTO_CMC_API_KEY, snapshots will fail  #%s\n", ColorRed, ColorReset)
	}

	line("###########################################################")
	fmt.Fprintln(w)
}
