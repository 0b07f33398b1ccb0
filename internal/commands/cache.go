package commands

import (
	"fmt"
	"time"

	"crypto_live/internal/app"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the cached snapshot",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached snapshot's size and age",
	RunE:  runCacheStatus,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the cached snapshot",
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd)
}

func runCacheStatus(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context(), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend: %s\n", a.Config.Cache.Backend)

	snap, ok := a.Cache.Inspect(cmd.Context())
	if !ok {
		fmt.Fprintln(out, "snapshot: none")
		return nil
	}

	age := snap.Age(time.Now()).Truncate(time.Second)
	printer.Fprintf(out, "snapshot: %d assets, saved %s (%s ago)\n",
		len(snap.Assets), snap.SavedAt.Time().Format(time.RFC3339), age)
	fmt.Fprintf(out, "fresh: %v (ttl %s)\n", a.Cache.IsValid(cmd.Context()), a.Cache.TTL())
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context(), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Coordinator.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
	return nil
}
