package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/soundrecorder/internal/config"
	"github.com/audiolibrelab/soundrecorder/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the SoundRecorder web server to control recording over HTTP.
Status and events are available as JSON and over a websocket, and metrics
are exported for Prometheus. Edits to the config file are picked up while
the server runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}
		port := strconv.Itoa(cfg.Server.Port)
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetString("port")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.close(); err != nil {
				slog.Warn("Shutdown incomplete", "error", err)
			}
		}()

		config.Watch(cfgFile, profile, func(c *config.Config, err error) {
			if err != nil {
				slog.Warn("Ignoring invalid config change", "error", err)
				return
			}
			a.svc.UpdateConfig(c)
		})

		// The server acts as an attached UI until a client says otherwise.
		a.svc.Resume()

		slog.Info("SoundRecorder web server starting", "host", host, "port", port, "config", cfgFile)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.capture.Run(ctx)
		})
		g.Go(func() error {
			return server.New(a.svc, a.fs, host, port).Start(ctx)
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "address to listen on (overrides config)")
	serveCmd.Flags().String("port", "", "port for the web server (overrides config)")
}
