package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"SCRIPTD_DB_PATH", "SCRIPTD_LOG_LEVEL", "SCRIPTD_LOG_FORMAT", "SCRIPTD_SCRIPTS_DIR",
		"SCRIPTD_SHUTDOWN_GRACE", "SCRIPTD_TRANSPORT", "SCRIPTD_KEEP_RUNS",
		"SCRIPTD_MQTT_BROKER", "SCRIPTD_MQTT_USERNAME", "SCRIPTD_MQTT_PASSWORD",
	} {
		t.Setenv(k, "")
	}
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".scriptd", "scriptd.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, ".scriptd", "scripts"), cfg.ScriptsDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, Duration(60*time.Second), cfg.ShutdownGrace)
	assert.Equal(t, 50, cfg.KeepRuns)
	assert.Empty(t, cfg.MQTT.Broker, "bridge is off by default")
	assert.Equal(t, "scriptd", cfg.MQTT.Prefix)
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	home := isolateHome(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".scriptd"), 0o755))
	settings := `{"log_level":"debug","scripts_dir":"/srv/scripts","shutdown_grace":"5s","keep_runs":7,"mqtt":{"prefix":"home"}}`
	require.NoError(t, os.WriteFile(settingsPath(), []byte(settings), 0o644))

	t.Setenv("SCRIPTD_LOG_LEVEL", "warn")
	t.Setenv("SCRIPTD_KEEP_RUNS", "3")
	t.Setenv("SCRIPTD_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("SCRIPTD_MQTT_PASSWORD", "s3cret")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel, "env wins over settings.json")
	assert.Equal(t, "/srv/scripts", cfg.ScriptsDir)
	assert.Equal(t, Duration(5*time.Second), cfg.ShutdownGrace)
	assert.Equal(t, 3, cfg.KeepRuns)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "home", cfg.MQTT.Prefix)
	assert.Equal(t, "scriptd", cfg.MQTT.ClientID, "unset nested fields keep defaults")
	assert.Equal(t, "s3cret", cfg.MQTT.Password)
}

func TestLoadConfig_GraceAsSeconds(t *testing.T) {
	home := isolateHome(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".scriptd"), 0o755))
	require.NoError(t, os.WriteFile(settingsPath(), []byte(`{"shutdown_grace":2.5}`), 0o644))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Duration(2500*time.Millisecond), cfg.ShutdownGrace)
}

func TestLoadConfig_Errors(t *testing.T) {
	home := isolateHome(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".scriptd"), 0o755))

	require.NoError(t, os.WriteFile(settingsPath(), []byte(`{not json`), 0o644))
	_, err := loadConfig()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(settingsPath(), []byte(`{}`), 0o644))
	t.Setenv("SCRIPTD_TRANSPORT", "http")
	_, err = loadConfig()
	assert.ErrorContains(t, err, "unsupported transport")
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.False(t, d.ScriptsDirChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.ScriptsDir = "/elsewhere"
	next.DBPath = "/tmp/other.db"
	next.KeepRuns = 1
	next.MQTT.Broker = "tcp://broker:1883"
	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.ScriptsDirChanged)
	assert.Equal(t, []string{"db_path", "keep_runs", "mqtt"}, d.RestartNeeded)
}
