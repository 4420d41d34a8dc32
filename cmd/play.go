package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/soundrecorder/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play the current sample",
	Long: `Play the most recent sample (the one the last record command left behind)
with ffplay or mpv. Use --from to start part way through, e.g. --from 0.5.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		a.svc.Resume()
		st := a.svc.Status()
		if st.SampleFile == "" || st.SampleLength == 0 {
			return fmt.Errorf("no sample to play, record one first")
		}

		var from *float64
		if cmd.Flags().Changed("from") {
			p, _ := cmd.Flags().GetFloat64("from")
			if p < 0 || p > 1 {
				return fmt.Errorf("--from must be between 0 and 1")
			}
			from = &p
		}

		done := watchPlayback(ctx, a.svc)

		fmt.Printf("Playing %s\n", st.SampleFile)
		a.svc.StartPlayback(from)

		<-done
		a.svc.StopRecording()

		if msg := a.svc.GetLastError(); msg != "" {
			return fmt.Errorf("playback failed: %s", msg)
		}
		return nil
	},
}

// watchPlayback returns a channel closed when playback ends, fails or ctx is done.
func watchPlayback(ctx context.Context, svc service.Service) <-chan struct{} {
	ctx, cancel := context.WithCancel(ctx)

	unsubscribe := svc.Subscribe(func(n service.Notification) {
		if (n.Type == service.NotifyState && n.State == "idle") || n.Type == service.NotifyError {
			cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		unsubscribe()
		close(done)
	}()
	return done
}

func init() {
	playCmd.Flags().Float64("from", 0, "start position as a fraction of the duration (0..1)")
}
