package commands

import (
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"crypto_live/internal/app"
	"crypto_live/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveAddr  string
	servePprof string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the synced prices over HTTP",
	Long: `Run the sync engine and expose it as a JSON API:

  GET  /api/assets?q=     sorted assets, optionally filtered
  GET  /api/assets/{id}   one asset
  GET  /api/status        connection and pagination state
  POST /api/refresh       re-fetch the first page
  POST /api/more          load the next page
  GET  /metrics           Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address (default server.addr)")
	serveCmd.Flags().StringVar(&servePprof, "pprof", "", "pprof listen address, e.g. localhost:6060 (off when empty)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, app.Options{Lock: true, Banner: bannerWriter()})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.Config.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := server.New(a.Coordinator, a.Metrics.Handler(), a.Config.Server.CORSOrigins, a.Logger.With("component", "http"))

	if servePprof != "" {
		go func() {
			a.Logger.Info("Pprof server started", "addr", servePprof)
			if err := http.ListenAndServe(servePprof, nil); err != nil {
				a.Logger.Error("Pprof server failed", "err", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Coordinator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.Coordinator.Start(gctx); err != nil {
			a.Logger.Warn("Initial load failed, serving what is available", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx, addr)
	})

	return g.Wait()
}
