package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. SOUNDRECORDER_ACTIVE_PROFILE.
const EnvPrefix = "SOUNDRECORDER"

// DefaultProfile is the profile every other profile inherits from.
const DefaultProfile = "default"

type RootConfig struct {
	ActiveProfile string             `mapstructure:"active_profile" yaml:"active_profile"`
	Profiles      map[string]*Config `mapstructure:"profiles" yaml:"profiles"`
}

type Config struct {
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Recording struct {
		Directory   string // "inherited" or "profile-specific"
		Format      string
		HighQuality string
		MaxBytes    string
	}
	Audio struct {
		Backend string
		Source  string
	}
}

type RecordingConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Format    string `mapstructure:"format" yaml:"format"` // "3gpp" or "amr"
	// HighQuality is a pointer so a profile can turn it off explicitly.
	HighQuality *bool `mapstructure:"high_quality" yaml:"high_quality,omitempty"`
	// MaxBytes caps each file; -1 for no cap, 0 inherits.
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
}

type AudioConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "pulse", "alsa", "auto"
	Source  string `mapstructure:"source" yaml:"source"`
	FFmpeg  string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Player  string `mapstructure:"player" yaml:"player"`
}

type StorageConfig struct {
	StateFile   string `mapstructure:"state_file" yaml:"state_file"`
	CatalogFile string `mapstructure:"catalog_file" yaml:"catalog_file"`
}

type MonitorConfig struct {
	Telephony     string `mapstructure:"telephony" yaml:"telephony"` // "modemmanager" or "none"
	LowMemoryMB   uint64 `mapstructure:"low_memory_mb" yaml:"low_memory_mb"`
	Notifications *bool  `mapstructure:"notifications" yaml:"notifications,omitempty"`
	InhibitSleep  *bool  `mapstructure:"inhibit_sleep" yaml:"inhibit_sleep,omitempty"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	state := filepath.Join(home, ".local", "state", "soundrecorder")
	return &Config{
		Recording: RecordingConfig{
			Directory:   filepath.Join(home, "Recordings"),
			Format:      "amr",
			HighQuality: boolPtr(false),
			MaxBytes:    -1,
		},
		Audio: AudioConfig{
			Backend: "auto",
			Source:  "default",
			FFmpeg:  "ffmpeg",
		},
		Storage: StorageConfig{
			StateFile:   filepath.Join(state, "session.yaml"),
			CatalogFile: filepath.Join(state, "catalog.yaml"),
		},
		Monitor: MonitorConfig{
			Telephony:     "modemmanager",
			LowMemoryMB:   64,
			Notifications: boolPtr(true),
			InhibitSleep:  boolPtr(true),
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8088,
		},
	}
}

// DefaultConfigFile returns $HOME/.config/soundrecorder.yaml.
func DefaultConfigFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "soundrecorder.yaml")
}

// LoadWithProfile reads configFile and resolves profile, falling back to the
// file's active profile and then to "default". A missing file yields the
// built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		slog.Debug("Config file not found, using defaults", "file", configFile)
		cfg := Default()
		return cfg, validate(cfg)
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return resolve(rootConfig, profile)
}

func resolve(rootConfig *RootConfig, profile string) (*Config, error) {
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveProfile
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selected, exists := rootConfig.Profiles[configName]
	if !exists {
		if configName != DefaultProfile || len(rootConfig.Profiles) > 0 {
			return nil, fmt.Errorf("configuration profile '%s' not found", configName)
		}
		selected = &Config{}
	}

	base := Default()
	if configName != DefaultProfile {
		if defaultProfile, exists := rootConfig.Profiles[DefaultProfile]; exists {
			base = mergeConfigs(base, defaultProfile)
		}
	}

	result := mergeConfigs(base, selected)
	result.Recording.Directory = expandPath(result.Recording.Directory)
	result.Storage.StateFile = expandPath(result.Storage.StateFile)
	result.Storage.CatalogFile = expandPath(result.Storage.CatalogFile)
	result.Logging.File = expandPath(result.Logging.File)

	if err := validate(result); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return result, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Profiles[newActiveProfile]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Watch reloads the configuration whenever configFile changes and hands the
// result to onChange. Invalid edits are reported with a nil config.
func Watch(configFile, profile string, onChange func(*Config, error)) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("Config watch disabled", "file", configFile, "error", err)
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		slog.Info("Config file changed", "file", e.Name, "op", e.Op.String())
		onChange(LoadWithProfile(configFile, profile))
	})
	v.WatchConfig()
}

// mergeConfigs overlays profile on base. Zero values in profile inherit from
// base; pointer fields inherit only when nil.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{}

	if base != nil {
		*result = *base
		result.Inheritance = &InheritanceInfo{}
		result.Inheritance.Recording.Directory = "inherited"
		result.Inheritance.Recording.Format = "inherited"
		result.Inheritance.Recording.HighQuality = "inherited"
		result.Inheritance.Recording.MaxBytes = "inherited"
		result.Inheritance.Audio.Backend = "inherited"
		result.Inheritance.Audio.Source = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Recording.Directory != "" {
		result.Recording.Directory = profile.Recording.Directory
		result.Inheritance.Recording.Directory = "profile-specific"
	}
	if profile.Recording.Format != "" {
		result.Recording.Format = profile.Recording.Format
		result.Inheritance.Recording.Format = "profile-specific"
	}
	if profile.Recording.HighQuality != nil {
		result.Recording.HighQuality = profile.Recording.HighQuality
		result.Inheritance.Recording.HighQuality = "profile-specific"
	}
	if profile.Recording.MaxBytes != 0 {
		result.Recording.MaxBytes = profile.Recording.MaxBytes
		result.Inheritance.Recording.MaxBytes = "profile-specific"
	}

	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		result.Inheritance.Audio.Backend = "profile-specific"
	}
	if profile.Audio.Source != "" {
		result.Audio.Source = profile.Audio.Source
		result.Inheritance.Audio.Source = "profile-specific"
	}
	if profile.Audio.FFmpeg != "" {
		result.Audio.FFmpeg = profile.Audio.FFmpeg
	}
	if profile.Audio.Player != "" {
		result.Audio.Player = profile.Audio.Player
	}

	if profile.Storage.StateFile != "" {
		result.Storage.StateFile = profile.Storage.StateFile
	}
	if profile.Storage.CatalogFile != "" {
		result.Storage.CatalogFile = profile.Storage.CatalogFile
	}

	if profile.Monitor.Telephony != "" {
		result.Monitor.Telephony = profile.Monitor.Telephony
	}
	if profile.Monitor.LowMemoryMB != 0 {
		result.Monitor.LowMemoryMB = profile.Monitor.LowMemoryMB
	}
	if profile.Monitor.Notifications != nil {
		result.Monitor.Notifications = profile.Monitor.Notifications
	}
	if profile.Monitor.InhibitSleep != nil {
		result.Monitor.InhibitSleep = profile.Monitor.InhibitSleep
	}

	if profile.Logging.Level != "" {
		result.Logging.Level = profile.Logging.Level
	}
	if profile.Logging.File != "" {
		result.Logging.File = profile.Logging.File
	}
	if profile.Logging.MaxSizeMB != 0 {
		result.Logging.MaxSizeMB = profile.Logging.MaxSizeMB
	}
	if profile.Logging.MaxBackups != 0 {
		result.Logging.MaxBackups = profile.Logging.MaxBackups
	}
	if profile.Logging.MaxAgeDays != 0 {
		result.Logging.MaxAgeDays = profile.Logging.MaxAgeDays
	}
	// Compress: profile value always takes precedence if set
	if profile.Logging.Compress {
		result.Logging.Compress = true
	}

	if profile.Server.Host != "" {
		result.Server.Host = profile.Server.Host
	}
	if profile.Server.Port != 0 {
		result.Server.Port = profile.Server.Port
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// HighQualityEnabled reports the resolved recording quality tier.
func (c *Config) HighQualityEnabled() bool {
	return c.Recording.HighQuality != nil && *c.Recording.HighQuality
}

// NotificationsEnabled reports whether desktop notifications are shown.
func (c *Config) NotificationsEnabled() bool {
	return c.Monitor.Notifications == nil || *c.Monitor.Notifications
}

// InhibitEnabled reports whether sleep is blocked while recording.
func (c *Config) InhibitEnabled() bool {
	return c.Monitor.InhibitSleep == nil || *c.Monitor.InhibitSleep
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if active := v.GetString("active_profile"); active != "" {
		rootConfig.ActiveProfile = active
	}

	if rootConfig.ActiveProfile != "" {
		if _, ok := rootConfig.Profiles[rootConfig.ActiveProfile]; !ok {
			return nil, fmt.Errorf("active_profile '%s' is not defined in profiles", rootConfig.ActiveProfile)
		}
	}

	for name, profile := range rootConfig.Profiles {
		if profile == nil {
			return nil, fmt.Errorf("profile '%s' is empty", name)
		}
		if err := validateProfile(profile, "profiles."+name); err != nil {
			return nil, err
		}
	}

	return &rootConfig, nil
}

// validateProfile checks the fields a profile sets. Unset fields are inherited
// and validated after merging.
func validateProfile(p *Config, prefix string) error {
	if p.Recording.Format != "" && p.Recording.Format != "3gpp" && p.Recording.Format != "amr" {
		return fmt.Errorf("%s.recording.format must be '3gpp' or 'amr', got: %s", prefix, p.Recording.Format)
	}
	if p.Recording.MaxBytes < -1 {
		return fmt.Errorf("%s.recording.max_bytes must be -1 or positive, got: %d", prefix, p.Recording.MaxBytes)
	}
	if p.Audio.Backend != "" {
		switch p.Audio.Backend {
		case "pulse", "alsa", "auto":
		default:
			return fmt.Errorf("%s.audio.backend must be 'pulse', 'alsa' or 'auto', got: %s", prefix, p.Audio.Backend)
		}
	}
	if p.Monitor.Telephony != "" && p.Monitor.Telephony != "modemmanager" && p.Monitor.Telephony != "none" {
		return fmt.Errorf("%s.monitor.telephony must be 'modemmanager' or 'none', got: %s", prefix, p.Monitor.Telephony)
	}
	if p.Logging.Level != "" {
		switch strings.ToLower(p.Logging.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("%s.logging.level must be debug, info, warn or error, got: %s", prefix, p.Logging.Level)
		}
	}
	if p.Server.Port < 0 || p.Server.Port > 65535 {
		return fmt.Errorf("%s.server.port out of range: %d", prefix, p.Server.Port)
	}
	return nil
}

// validate checks a fully resolved configuration.
func validate(c *Config) error {
	if c.Recording.Directory == "" {
		return fmt.Errorf("recording.directory is required")
	}
	if c.Storage.StateFile == "" {
		return fmt.Errorf("storage.state_file is required")
	}
	if c.Storage.CatalogFile == "" {
		return fmt.Errorf("storage.catalog_file is required")
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	return validateProfile(c, "config")
}
