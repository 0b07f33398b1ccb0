package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto_live/internal/app"
	"crypto_live/internal/engine"

	"github.com/spf13/cobra"
)

var (
	watchQuery     string
	watchPages     int
	watchRows      int
	watchEphemeral bool
	watchDump      string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show a live price table",
	Long: `Load the top assets, stream price updates and redraw the table once a
second while anything changed. Press Ctrl+C to exit.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchQuery, "query", "q", "", "filter by name or symbol")
	watchCmd.Flags().IntVarP(&watchPages, "pages", "p", 1, "snapshot pages to load")
	watchCmd.Flags().IntVarP(&watchRows, "rows", "n", 25, "rows to display (0 for all)")
	watchCmd.Flags().BoolVar(&watchEphemeral, "ephemeral", false, "keep the cache in memory only")
	watchCmd.Flags().StringVar(&watchDump, "dump", "", "write the final state as JSON to this file on exit")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, app.Options{
		Ephemeral: watchEphemeral,
		Lock:      !watchEphemeral,
		Banner:    bannerWriter(),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	coord := a.Coordinator
	go coord.Run(ctx)

	dirty := make(chan struct{}, 1)
	coord.Subscribe(func(engine.Change) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})

	if err := coord.Start(ctx); err != nil {
		a.Logger.Warn("Initial load failed", "err", err)
	}
	for i := 1; i < watchPages && coord.HasMore(); i++ {
		if err := coord.LoadMore(ctx); err != nil {
			a.Logger.Warn("Load more failed", "err", err)
			break
		}
	}

	out := cmd.OutOrStdout()
	draw := func() {
		fmt.Fprint(out, "\033[H\033[2J")
		renderTable(out, coord.Search(watchQuery), watchRows)
		renderStatus(out, coord.Status(), time.Now())
	}
	draw()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return finishWatch(a, coord)
		case <-ticker.C:
			select {
			case <-dirty:
				draw()
			default:
			}
		}
	}
}

func finishWatch(a *app.App, coord *engine.Coordinator) error {
	if watchDump == "" {
		return nil
	}
	if err := coord.DumpState(watchDump); err != nil {
		a.Logger.Error("Failed to dump state", "err", err)
		return err
	}
	return nil
}
