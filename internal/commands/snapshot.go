package commands

import (
	"context"
	"errors"
	"time"

	"crypto_live/internal/app"

	"github.com/spf13/cobra"
)

var (
	snapshotStart int
	snapshotLimit int
	snapshotSave  bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch one page of listings and print it",
	RunE:  runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().IntVar(&snapshotStart, "start", 1, "1-based rank offset")
	snapshotCmd.Flags().IntVar(&snapshotLimit, "limit", 0, "page size (default api.coinmarketcap.page_size)")
	snapshotCmd.Flags().BoolVar(&snapshotSave, "save", false, "store the page as the cached snapshot")
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context(), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Source == nil {
		return errors.New("snapshot source disabled (features.enable_cmc)")
	}

	limit := snapshotLimit
	if limit <= 0 {
		limit = a.Config.API.CoinMarketCap.PageSize
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	records, err := a.Source.FetchPage(ctx, snapshotStart, limit)
	if err != nil {
		return err
	}

	renderTable(cmd.OutOrStdout(), records, 0)

	if snapshotSave {
		return a.Cache.Save(ctx, records)
	}
	return nil
}
