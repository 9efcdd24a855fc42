package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	UI struct {
		Color     string `mapstructure:"color"`
		ColorMode string `mapstructure:"color_mode"`
		MaxWidth  int    `mapstructure:"max_width"`
	} `mapstructure:"ui"`
	Artwork struct {
		Enabled      bool `mapstructure:"enabled"`
		Padding      int  `mapstructure:"padding"`
		WidthPixels  int  `mapstructure:"width_pixels"`
		WidthColumns int  `mapstructure:"width_columns"`
	} `mapstructure:"artwork"`
	Text struct {
		MaxLength int `mapstructure:"max_length"`
	} `mapstructure:"text"`
	Timing struct {
		UIRefreshMs  int `mapstructure:"ui_refresh_ms"`
		TimeUpdateMs int `mapstructure:"time_update_ms"`
	} `mapstructure:"timing"`
	Player struct {
		Volume     float64 `mapstructure:"volume"`
		SeekStep   float64 `mapstructure:"seek_step"`
		VolumeStep float64 `mapstructure:"volume_step"`
	} `mapstructure:"player"`
	Catalog struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"catalog"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Auth struct {
		Skip bool `mapstructure:"skip"`
	} `mapstructure:"auth"`
}

// SafeConfig wraps Config with thread-safe access
type SafeConfig struct {
	mu  sync.RWMutex
	cfg Config
}

// Get returns a copy of the current config (thread-safe read)
func (sc *SafeConfig) Get() Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg
}

// Set updates the config (thread-safe write)
func (sc *SafeConfig) Set(cfg Config) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
}

var config = &SafeConfig{}

// Config file changed notification
type configReloadMsg struct{}

var configChangeChan = make(chan struct{}, 1)

// Watch for config file changes
func watchConfigCmd() tea.Cmd {
	return func() tea.Msg {
		<-configChangeChan
		return configReloadMsg{}
	}
}

var (
	ansiColorPattern = regexp.MustCompile(`^[0-9]{1,3}$`)
	hexColorPattern  = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// isValidColor accepts ANSI codes (0-255) and #RGB/#RRGGBB hex colors
func isValidColor(color string) bool {
	if ansiColorPattern.MatchString(color) {
		var n int
		fmt.Sscanf(color, "%d", &n)
		return n <= 255
	}
	return hexColorPattern.MatchString(color)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ui.color", "2")
	v.SetDefault("ui.color_mode", "manual")
	v.SetDefault("ui.max_width", 56)
	v.SetDefault("artwork.enabled", true)
	v.SetDefault("artwork.padding", 15)
	v.SetDefault("artwork.width_pixels", 300)
	v.SetDefault("artwork.width_columns", 13)
	v.SetDefault("text.max_length", 30)
	v.SetDefault("timing.ui_refresh_ms", 100)
	v.SetDefault("timing.time_update_ms", 250)
	v.SetDefault("player.volume", 80)
	v.SetDefault("player.seek_step", 5)
	v.SetDefault("player.volume_step", 5)
	v.SetDefault("catalog.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", defaultLogFile())
	v.SetDefault("auth.skip", false)
}

// defineFlags registers the command-line flags bound into the config
func defineFlags(fs *pflag.FlagSet) {
	fs.StringP("color", "c", "2", "Set the desired color (ANSI code or hex)")
	fs.Bool("no-artwork", false, "Disable album artwork display")
	fs.String("catalog", "", "Path to a YAML track catalog")
	fs.Float64("volume", 80, "Initial volume (0-100)")
	fs.Bool("skip-login", false, "Go straight to the player")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "Write logs to this file")
}

// bindFlags lets explicitly set flags take precedence over file and env
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	bindings := map[string]string{
		"ui.color":      "color",
		"catalog.path":  "catalog",
		"player.volume": "volume",
		"auth.skip":     "skip-login",
		"log.level":     "log-level",
		"log.file":      "log-file",
	}
	for key, name := range bindings {
		if f := fs.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	if f := fs.Lookup("no-artwork"); f != nil && f.Changed {
		v.Set("artwork.enabled", false)
	}
}

// configError describes one invalid configuration field
type configError struct {
	field   string
	message string
}

func (e configError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.message)
}

// validateConfig returns one error per invalid field
func validateConfig(cfg *Config) []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, configError{field: field, message: fmt.Sprintf(format, args...)})
	}

	if !isValidColor(cfg.UI.Color) {
		add("ui.color", "invalid color format '%s'", cfg.UI.Color)
	}
	if cfg.UI.ColorMode != "manual" && cfg.UI.ColorMode != "auto" {
		add("ui.color_mode", "must be 'manual' or 'auto' (got '%s')", cfg.UI.ColorMode)
	}
	if cfg.UI.MaxWidth < 30 {
		add("ui.max_width", "must be at least 30 (got %d)", cfg.UI.MaxWidth)
	}
	if cfg.Artwork.Padding < 0 || cfg.Artwork.Padding >= cfg.UI.MaxWidth {
		add("artwork.padding", "must be between 0 and max_width (got %d)", cfg.Artwork.Padding)
	}
	if cfg.Artwork.WidthPixels <= 0 {
		add("artwork.width_pixels", "must be positive (got %d)", cfg.Artwork.WidthPixels)
	}
	if cfg.Artwork.WidthColumns <= 0 {
		add("artwork.width_columns", "must be positive (got %d)", cfg.Artwork.WidthColumns)
	}
	if cfg.Text.MaxLength < 5 || cfg.Text.MaxLength > 200 {
		add("text.max_length", "must be between 5 and 200 (got %d)", cfg.Text.MaxLength)
	}
	if cfg.Timing.UIRefreshMs < 10 {
		add("timing.ui_refresh_ms", "must be at least 10 (got %d)", cfg.Timing.UIRefreshMs)
	}
	if cfg.Timing.TimeUpdateMs < 50 || cfg.Timing.TimeUpdateMs > 5000 {
		add("timing.time_update_ms", "must be between 50 and 5000 (got %d)", cfg.Timing.TimeUpdateMs)
	}
	if cfg.Player.Volume < 0 || cfg.Player.Volume > 100 {
		add("player.volume", "must be between 0 and 100 (got %g)", cfg.Player.Volume)
	}
	if cfg.Player.SeekStep <= 0 || cfg.Player.SeekStep > 100 {
		add("player.seek_step", "must be in (0, 100] (got %g)", cfg.Player.SeekStep)
	}
	if cfg.Player.VolumeStep <= 0 || cfg.Player.VolumeStep > 100 {
		add("player.volume_step", "must be in (0, 100] (got %g)", cfg.Player.VolumeStep)
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level", "unknown level '%s'", cfg.Log.Level)
	}
	return errs
}

// applyDefaultsForInvalidFields resets every field named in errs
func applyDefaultsForInvalidFields(cfg *Config, errs []error) {
	for _, err := range errs {
		ce, ok := err.(configError)
		if !ok {
			continue
		}
		switch ce.field {
		case "ui.color":
			cfg.UI.Color = "2"
		case "ui.color_mode":
			cfg.UI.ColorMode = "manual"
		case "ui.max_width":
			cfg.UI.MaxWidth = 56
		case "artwork.padding":
			cfg.Artwork.Padding = 15
		case "artwork.width_pixels":
			cfg.Artwork.WidthPixels = 300
		case "artwork.width_columns":
			cfg.Artwork.WidthColumns = 13
		case "text.max_length":
			cfg.Text.MaxLength = 30
		case "timing.ui_refresh_ms":
			cfg.Timing.UIRefreshMs = 100
		case "timing.time_update_ms":
			cfg.Timing.TimeUpdateMs = 250
		case "player.volume":
			cfg.Player.Volume = 80
		case "player.seek_step":
			cfg.Player.SeekStep = 5
		case "player.volume_step":
			cfg.Player.VolumeStep = 5
		case "log.level":
			cfg.Log.Level = "info"
		}
	}

	// Padding depends on max_width, which may just have been reset
	if cfg.Artwork.Padding >= cfg.UI.MaxWidth {
		cfg.Artwork.Padding = 15
	}
}

// logConfigWarnings reports fields that fell back to their defaults
func logConfigWarnings(errs []error) {
	for _, err := range errs {
		log.WithField("module", "config").Warnf("invalid config, using default: %v", err)
	}
}

// unmarshalConfig decodes v and repairs invalid fields
func unmarshalConfig(v *viper.Viper) (Config, []error, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, nil, fmt.Errorf("error parsing config: %w", err)
	}
	warnings := validateConfig(&cfg)
	applyDefaultsForInvalidFields(&cfg, warnings)
	return cfg, warnings, nil
}

// loadConfig reads defaults, config file, env and flags into a Config
func loadConfig(v *viper.Viper, fs *pflag.FlagSet) (Config, []error, error) {
	setDefaults(v)

	// Set config file location following XDG standard
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Check XDG_CONFIG_HOME first, fallback to ~/.config
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			configHome = filepath.Join(homeDir, ".config")
		}
	}

	if configHome != "" {
		v.AddConfigPath(filepath.Join(configHome, "goplaylist"))
	}

	// Environment variable support with GOPLAYLIST_ prefix
	v.SetEnvPrefix("GOPLAYLIST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (ignore error if not found)
	var warnings []error
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			warnings = append(warnings, fmt.Errorf("error reading config file: %w", err))
		}
	}

	if fs != nil {
		bindFlags(v, fs)
	}

	cfg, invalid, err := unmarshalConfig(v)
	return cfg, append(warnings, invalid...), err
}

// initConfig loads the configuration and starts watching the file for changes
func initConfig(fs *pflag.FlagSet) ([]error, error) {
	v := viper.New()
	cfg, warnings, err := loadConfig(v, fs)
	if err != nil {
		return warnings, err
	}
	config.Set(cfg)

	// Watch for config file changes and live reload
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg, invalid, err := unmarshalConfig(v)
		if err != nil {
			log.WithField("module", "config").Warnf("reload failed: %v", err)
			return
		}
		logConfigWarnings(invalid)
		config.Set(newCfg)
		// Config reloaded successfully, notify the app
		select {
		case configChangeChan <- struct{}{}:
		default:
			// Channel full, skip notification
		}
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}
	return warnings, nil
}
