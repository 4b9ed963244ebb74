package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/scriptd/internal/bridge"
)

// Config holds all scriptd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string        `json:"db_path"`
	LogLevel      string        `json:"log_level"`
	LogFormat     string        `json:"log_format"`
	ScriptsDir    string        `json:"scripts_dir"`
	ShutdownGrace Duration      `json:"shutdown_grace"`
	Transport     string        `json:"transport"`
	KeepRuns      int           `json:"keep_runs"`
	HTTPTimeout   Duration      `json:"http_timeout"` // per http.request call
	MQTT          bridge.Config `json:"mqtt"`         // disabled while Broker is empty
}

// Duration decodes from a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(scriptdDir(), "scriptd.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		ScriptsDir:    filepath.Join(scriptdDir(), "scripts"),
		ShutdownGrace: Duration(60 * time.Second),
		Transport:     "stdio",
		KeepRuns:      50,
		HTTPTimeout:   Duration(30 * time.Second),
		MQTT:          bridge.Config{Prefix: bridge.DefaultPrefix, ClientID: bridge.DefaultClientID},
	}
}

func scriptdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scriptd"
	}
	return filepath.Join(home, ".scriptd")
}

func settingsPath() string {
	return filepath.Join(scriptdDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SCRIPTD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SCRIPTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCRIPTD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SCRIPTD_SCRIPTS_DIR"); v != "" {
		cfg.ScriptsDir = v
	}
	if v := os.Getenv("SCRIPTD_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownGrace = Duration(d)
		}
	}
	if v := os.Getenv("SCRIPTD_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("SCRIPTD_KEEP_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KeepRuns = n
		}
	}

	if v := os.Getenv("SCRIPTD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SCRIPTD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SCRIPTD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	if cfg.Transport != "stdio" {
		return cfg, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged   bool
	ScriptsDirChanged bool
	RestartNeeded     []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ScriptsDir != new.ScriptsDir {
		d.ScriptsDirChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.ShutdownGrace != new.ShutdownGrace {
		d.RestartNeeded = append(d.RestartNeeded, "shutdown_grace")
	}
	if old.KeepRuns != new.KeepRuns {
		d.RestartNeeded = append(d.RestartNeeded, "keep_runs")
	}
	if old.HTTPTimeout != new.HTTPTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "http_timeout")
	}
	if old.MQTT != new.MQTT {
		d.RestartNeeded = append(d.RestartNeeded, "mqtt")
	}
	return d
}
