package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/soundrecorder/internal/capacity"
	"github.com/audiolibrelab/soundrecorder/internal/capture"
	"github.com/audiolibrelab/soundrecorder/internal/naming"
)

var infoCmd = &cobra.Command{
	Use:   "info [name]",
	Short: "Show resolved configuration and recording capacity",
	Long: `Display the resolved configuration with inheritance indicators, the file a
recording with the given name would be written to and how much recording
time is left on the recording volume.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := capture.ParseFormat(cfg.Recording.Format)
		if err != nil {
			return err
		}
		hq := cfg.HighQualityEnabled()
		enc := capture.EncodingFor(format, hq)

		if len(args) == 1 {
			clean := naming.CleanFileName(args[0])
			fmt.Printf("=== FILE PATHS ===\n")
			fmt.Printf("clean_name: %s\n", clean)
			if clean != "" {
				fmt.Printf("output: %s\n", filepath.Join(cfg.Recording.Directory, clean+format.Extension()))
			}
			fmt.Println()
		}

		inh := cfg.Inheritance
		indicator := func(pick func() string) string {
			if inh == nil {
				return "[default]"
			}
			return getInheritanceIndicator(pick())
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		fmt.Printf("\n[Recording]\n")
		fmt.Printf("directory: %s %s\n", cfg.Recording.Directory, indicator(func() string { return inh.Recording.Directory }))
		fmt.Printf("format: %s %s\n", cfg.Recording.Format, indicator(func() string { return inh.Recording.Format }))
		fmt.Printf("high_quality: %t %s\n", hq, indicator(func() string { return inh.Recording.HighQuality }))
		fmt.Printf("max_bytes: %d %s\n", cfg.Recording.MaxBytes, indicator(func() string { return inh.Recording.MaxBytes }))

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, indicator(func() string { return inh.Audio.Backend }))
		fmt.Printf("source: %s %s\n", cfg.Audio.Source, indicator(func() string { return inh.Audio.Source }))

		fmt.Printf("\n[Encoding]\n")
		fmt.Printf("codec: %s\n", enc.Codec)
		fmt.Printf("sample_rate: %d\n", enc.SampleRate)
		fmt.Printf("bit_rate: %d\n", enc.BitRate)

		est := capacity.New(capacity.StatfsVolume{Path: cfg.Recording.Directory}, afero.NewOsFs(), nil)
		est.SetBitRate(enc.BitRate)
		fmt.Printf("\n[Capacity]\n")
		if !est.DiskSpaceAvailable() {
			fmt.Printf("remaining: none (storage is full or unavailable)\n")
			return nil
		}
		remaining, err := est.Remaining()
		if err != nil {
			return err
		}
		fmt.Printf("remaining: %s\n", time.Duration(remaining)*time.Second)
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
