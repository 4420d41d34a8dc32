package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/soundrecorder/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record a new sample",
	Long: `Record a new sample from the configured audio source. Press Enter or Ctrl+C
to stop. The recording also stops by itself when the disk is full or the
file reaches --max-bytes. Without a name, a timestamped name is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}

		format, _ := cmd.Flags().GetString("format")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		var opts service.RecordOptions
		opts.Format = format
		opts.Overwrite = overwrite
		if cmd.Flags().Changed("hq") {
			hq, _ := cmd.Flags().GetBool("hq")
			opts.HighQuality = &hq
		}
		if cmd.Flags().Changed("max-bytes") {
			maxBytes, _ := cmd.Flags().GetInt64("max-bytes")
			opts.MaxBytes = &maxBytes
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

		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()
		go func() {
			if err := a.capture.Run(runCtx); err != nil {
				slog.Warn("Interruption watchers stopped", "error", err)
			}
		}()

		a.svc.Resume()

		if name != "" && !overwrite && a.svc.RecordExists(name, format) {
			return fmt.Errorf("recording %q already exists, use --overwrite to replace it", name)
		}

		ended := watchRecording(a.svc)

		// Start from a fresh sample; the previous one goes to the catalog.
		a.svc.Reset()
		if err := a.svc.StartRecording(name, opts); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		stopCh := make(chan struct{})
		go func() {
			bufio.NewScanner(os.Stdin).Scan()
			close(stopCh)
		}()

		fmt.Println("Recording - press Enter to stop")
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-stopCh:
				break loop
			case <-ended:
				break loop
			case <-ticker.C:
				printProgress(a.svc.Status())
			}
		}
		fmt.Println()

		a.svc.Finish()
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.capture.Sync(syncCtx); err != nil {
			slog.Warn("Capture did not settle", "error", err)
		}

		st := a.svc.Status()
		if st.LastError != "" {
			fmt.Printf("Recording stopped: %s\n", st.LastError)
		}
		if st.SampleLength == 0 {
			return fmt.Errorf("nothing was recorded")
		}
		fmt.Printf("Saved %s (%s)\n", st.SampleFile, time.Duration(st.SampleLength)*time.Second)
		return nil
	},
}

// watchRecording returns a channel closed once a recording that started has
// ended, or an error was reported before it could start.
func watchRecording(svc service.Service) <-chan struct{} {
	ended := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	started := false

	svc.Subscribe(func(n service.Notification) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case n.Type == service.NotifyState && n.State == "recording":
			started = true
		case n.Type == service.NotifyState && n.State == "idle" && started,
			n.Type == service.NotifyError && !started:
			once.Do(func() { close(ended) })
		}
	})
	return ended
}

func printProgress(st service.Status) {
	line := fmt.Sprintf("\r%s  level %5d", time.Duration(st.Progress)*time.Second, st.Amplitude)
	if st.RemainingSeconds > 0 {
		line += fmt.Sprintf("  %s left (%s)", time.Duration(st.RemainingSeconds)*time.Second, st.Constraint)
	}
	fmt.Print(line + "   ")
}

func init() {
	recordCmd.Flags().StringP("format", "f", "", "recording format: amr or 3gpp (overrides config)")
	recordCmd.Flags().Bool("hq", false, "high quality encoding (overrides config)")
	recordCmd.Flags().Int64("max-bytes", 0, "file size cap in bytes, -1 for none (overrides config)")
	recordCmd.Flags().Bool("overwrite", false, "replace an existing recording with the same name")
}
