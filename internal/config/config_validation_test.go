package config

import (
	"os"
	"strings"
	"testing"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_profile: studio

profiles:
  default:
    recording:
      directory: ~/Recordings
      format: amr
      max_bytes: -1
    audio:
      backend: auto
      source: default
    monitor:
      telephony: modemmanager
      low_memory_mb: 64
  studio:
    recording:
      format: 3gpp
      high_quality: true
    audio:
      backend: pulse
    logging:
      level: debug
`

	configFile := createTempConfig(t, validConfig)
	defer os.Remove(configFile)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if rootConfig.ActiveProfile != "studio" {
		t.Errorf("Expected active profile 'studio', got '%s'", rootConfig.ActiveProfile)
	}
	if len(rootConfig.Profiles) != 2 {
		t.Errorf("Expected 2 profiles, got %d", len(rootConfig.Profiles))
	}

	studio := rootConfig.Profiles["studio"]
	if studio.Recording.HighQuality == nil || !*studio.Recording.HighQuality {
		t.Error("Expected studio high_quality to be set")
	}
	if studio.Recording.Directory != "" {
		t.Errorf("Expected studio directory unset, got %s", studio.Recording.Directory)
	}
}

func TestValidateConfigurationFormat_UndefinedActiveProfile(t *testing.T) {
	invalidConfig := `
active_profile: missing

profiles:
  default:
    recording:
      format: amr
`

	configFile := createTempConfig(t, invalidConfig)
	defer os.Remove(configFile)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for undefined active profile")
	}
	if !strings.Contains(err.Error(), "active_profile 'missing'") {
		t.Errorf("Expected error naming the active profile, got: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidFields(t *testing.T) {
	tests := []struct {
		name          string
		profile       string
		expectedError string
	}{
		{
			name: "unsupported format",
			profile: `
    recording:
      format: mp3`,
			expectedError: "recording.format must be '3gpp' or 'amr'",
		},
		{
			name: "negative max bytes",
			profile: `
    recording:
      max_bytes: -5`,
			expectedError: "recording.max_bytes must be -1 or positive",
		},
		{
			name: "unknown backend",
			profile: `
    audio:
      backend: jack`,
			expectedError: "audio.backend must be",
		},
		{
			name: "unknown telephony source",
			profile: `
    monitor:
      telephony: ofono`,
			expectedError: "monitor.telephony must be",
		},
		{
			name: "bad log level",
			profile: `
    logging:
      level: verbose`,
			expectedError: "logging.level must be",
		},
		{
			name: "port out of range",
			profile: `
    server:
      port: 70000`,
			expectedError: "server.port out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := "profiles:\n  default:" + tt.profile + "\n"
			configFile := createTempConfig(t, content)
			defer os.Remove(configFile)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.expectedError)
			}
			if !strings.Contains(err.Error(), tt.expectedError) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedError, err)
			}
			if !strings.Contains(err.Error(), "profiles.default") {
				t.Errorf("Expected error to name the profile, got: %v", err)
			}
		})
	}
}

func TestValidate_ResolvedConfig(t *testing.T) {
	cfg := Default()
	if err := validate(cfg); err != nil {
		t.Fatalf("Expected defaults to validate, got: %v", err)
	}

	cfg.Recording.Directory = ""
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "recording.directory") {
		t.Errorf("Expected recording.directory error, got: %v", err)
	}
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "soundrecorder-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
