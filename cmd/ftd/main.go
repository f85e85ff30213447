// Command ftd is the FrankenTerm watcher daemon: it owns the data
// directory's lock, storage writer, pattern engine, event bus, workflow
// runner, and ingest scheduler for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/frankenterm/internal/api"
	"github.com/Dicklesworthstone/frankenterm/internal/config"
	"github.com/Dicklesworthstone/frankenterm/internal/mux/simadapter"
	"github.com/Dicklesworthstone/frankenterm/internal/watcher"
)

func main() {
	var dataDir string

	root := &cobra.Command{
		Use:   "ftd",
		Short: "FrankenTerm watcher daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir
			if dir == "" {
				d, err := config.DefaultDataDir()
				if err != nil {
					return fmt.Errorf("resolve default data dir: %w", err)
				}
				dir = d
			}
			if err := config.EnsureDataDir(dir); err != nil {
				return fmt.Errorf("ensure data dir: %w", err)
			}

			// The simulated Mux Adapter is the reference backend: a real
			// multiplexer integration is a separate adapter implementation
			// behind the same interface, out of scope for the core pipeline.
			adapter := simadapter.New()

			w := watcher.New(dir, adapter)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start watcher: %w", err)
			}

			srv := api.NewServer(w)
			sockPath := config.SocketPath(dir)
			ln, err := api.Listen(sockPath)
			if err != nil {
				w.Stop(5 * time.Second)
				return fmt.Errorf("listen on %s: %w", sockPath, err)
			}

			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("ftd listening on %s (data dir %s)\n", sockPath, dir)
				errCh <- srv.Serve(ln)
			}()

			select {
			case <-ctx.Done():
				fmt.Println("ftd: shutting down...")
				srv.Close()
				w.Stop(10 * time.Second)
				return nil
			case err := <-errCh:
				w.Stop(10 * time.Second)
				return err
			}
		},
	}

	root.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.frankenterm)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
