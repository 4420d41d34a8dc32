package cmd

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/soundrecorder/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List the capture sources of every available audio backend. The name shown
is what goes into audio.source in the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("=======================================\n\n")

		backends := audio.GetAvailableBackends()
		if len(backends) == 0 {
			return fmt.Errorf("no audio backend found (install pulseaudio-utils or alsa-utils)")
		}

		for _, t := range backends {
			backend, err := audio.NewBackend(string(t))
			if err != nil {
				slog.Warn("Backend unavailable", "backend", t, "error", err)
				continue
			}
			sources, err := backend.ListSources()
			if err != nil {
				slog.Warn("Failed to list sources", "backend", t, "error", err)
				continue
			}

			fmt.Printf("%s SOURCES (%d found):\n", t, len(sources))
			for i, source := range sources {
				marker := ""
				if source == cfg.Audio.Source {
					marker = "  (configured)"
				}
				fmt.Printf("  %d. %s%s\n", i+1, source, marker)
			}
			fmt.Println()
		}

		fmt.Printf("Configured: backend=%s source=%s\n", cfg.Audio.Backend, cfg.Audio.Source)
		return nil
	},
}
