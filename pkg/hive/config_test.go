package hive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/core-tools/hsu-beekeeper/pkg/bee"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/monitoring"
)

const sampleHiveFile = `
hive:
  log_level: debug
  metrics_port: 9102
  wait_healthy: 10s
  archive_format: zstd
bees:
  - id: bee-0
    executable: ./swarm
    port: 50001
    pass_config_arguments: true
    args: ["--verbose"]
    environment: ["SWARM_MODE=test"]
    kill_timeout: 3s
    health_check: {type: websocket, interval: 1s, timeout: 2s}
    config: {listener_port: 50001, bootstrap_peers: null, weight: 1.5}
    config_file: overrides.jsonc
  - id: bee-1
    executable: /opt/swarm/bin/swarm
    data_dir: /var/lib/bee-1
  - id: bee-2
    enabled: false
    executable: ./swarm
`

func TestParseConfig_Defaults(t *testing.T) {
	config, err := ParseConfig([]byte(sampleHiveFile))
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Hive.LogLevel)
	assert.Equal(t, 9102, config.Hive.MetricsPort)
	assert.Equal(t, 10*time.Second, config.Hive.WaitHealthy)
	assert.Equal(t, "zstd", config.Hive.ArchiveFormat)
	require.NotNil(t, config.Hive.ArchiveOnFailure)
	assert.True(t, *config.Hive.ArchiveOnFailure)

	require.Len(t, config.Bees, 3)
	first := config.Bees[0]
	assert.Equal(t, "bee-0", first.ID)
	assert.Equal(t, 50001, first.Port)
	assert.True(t, first.PassConfigArguments)
	assert.Equal(t, []string{"--verbose"}, first.Args)
	assert.Equal(t, 3*time.Second, first.KillTimeout)
	require.NotNil(t, first.HealthCheck)
	assert.Equal(t, monitoring.HealthCheckTypeWebSocket, first.HealthCheck.Type)
	assert.Equal(t, time.Second, first.HealthCheck.RunOptions.Interval)
	assert.Equal(t, 2*time.Second, first.HealthCheck.RunOptions.Timeout)
	assert.Equal(t, 50001, first.Config["listener_port"])
	assert.Nil(t, first.Config["bootstrap_peers"])
	assert.Equal(t, 1.5, first.Config["weight"])

	second := config.Bees[1]
	assert.Equal(t, bee.DefaultKillTimeout, second.KillTimeout)
	assert.True(t, second.IsEnabled())
	assert.Nil(t, second.HealthCheck)

	assert.False(t, config.Bees[2].IsEnabled())

	require.NoError(t, ValidateConfig(config))
}

func TestParseConfig_HiveDefaults(t *testing.T) {
	config, err := ParseConfig([]byte("bees: []\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", config.Hive.LogLevel)
	assert.Equal(t, "gzip", config.Hive.ArchiveFormat)
	assert.True(t, *config.Hive.ArchiveOnFailure)
	assert.Zero(t, config.Hive.MetricsPort)
	require.NoError(t, ValidateConfig(config))
}

func TestParseConfig_HealthCheckDefaults(t *testing.T) {
	config, err := ParseConfig([]byte(`
bees:
  - id: bee-0
    executable: swarm
    health_check: {type: tcp}
`))
	require.NoError(t, err)

	check := config.Bees[0].HealthCheck
	require.NotNil(t, check)
	assert.Equal(t, monitoring.HealthCheckTypeTCP, check.Type)
	assert.Equal(t, time.Second, check.RunOptions.Interval)
	assert.Equal(t, 2*time.Second, check.RunOptions.Timeout)
}

func TestParseConfig_InvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("bees: [unterminated"))
	assert.True(t, errors.IsValidationError(err))
}

func TestValidateConfig(t *testing.T) {
	base := func() *HiveConfig {
		config, err := ParseConfig([]byte(`
bees:
  - id: bee-0
    executable: swarm
    port: 50001
  - id: bee-1
    executable: swarm
`))
		require.NoError(t, err)
		return config
	}

	tests := []struct {
		name       string
		mutate     func(*HiveConfig)
		wantErr    bool
		isConflict bool
	}{
		{name: "valid", mutate: func(*HiveConfig) {}},
		{name: "bad log level", mutate: func(c *HiveConfig) { c.Hive.LogLevel = "loud" }, wantErr: true},
		{name: "bad metrics port", mutate: func(c *HiveConfig) { c.Hive.MetricsPort = 70000 }, wantErr: true},
		{name: "negative wait", mutate: func(c *HiveConfig) { c.Hive.WaitHealthy = -time.Second }, wantErr: true},
		{name: "bad archive format", mutate: func(c *HiveConfig) { c.Hive.ArchiveFormat = "rar" }, wantErr: true},
		{name: "empty id", mutate: func(c *HiveConfig) { c.Bees[0].ID = "" }, wantErr: true},
		{name: "invalid id", mutate: func(c *HiveConfig) { c.Bees[0].ID = "bee 0" }, wantErr: true},
		{name: "duplicate id", mutate: func(c *HiveConfig) { c.Bees[1].ID = "bee-0" }, wantErr: true},
		{name: "missing executable", mutate: func(c *HiveConfig) { c.Bees[1].Executable = "" }, wantErr: true},
		{name: "bad port", mutate: func(c *HiveConfig) { c.Bees[1].Port = -1 }, wantErr: true},
		{name: "negative kill timeout", mutate: func(c *HiveConfig) { c.Bees[1].KillTimeout = -time.Second }, wantErr: true},
		{name: "duplicate port", mutate: func(c *HiveConfig) { c.Bees[1].Port = 50001 }, wantErr: true, isConflict: true},
		{
			name: "duplicate port on disabled bee",
			mutate: func(c *HiveConfig) {
				disabled := false
				c.Bees[1].Port = 50001
				c.Bees[1].Enabled = &disabled
			},
		},
		{
			name: "bad health check",
			mutate: func(c *HiveConfig) {
				c.Bees[1].HealthCheck = &monitoring.HealthCheckConfig{Type: "smtp", RunOptions: monitoring.HealthCheckRunOptions{Interval: time.Second, Timeout: time.Second}}
			},
			wantErr: true,
		},
		{name: "absolute state file", mutate: func(c *HiveConfig) { c.Bees[1].StateFiles = map[string]string{"/etc/key": "key"} }, wantErr: true},
		{name: "state file replaces config", mutate: func(c *HiveConfig) { c.Bees[1].StateFiles = map[string]string{"bluzelle.json": "other.json"} }, wantErr: true},
		{name: "state file replaces log", mutate: func(c *HiveConfig) { c.Bees[1].StateFiles = map[string]string{"logs/swarm.log": "old.log"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base()
			tt.mutate(config)
			err := ValidateConfig(config)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Equal(t, tt.isConflict, errors.IsConflictError(err))
		})
	}

	assert.Error(t, ValidateConfig(nil))
}

func TestLoadConfigFromFile_ResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleHiveFile), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "swarm"), config.Bees[0].Executable)
	assert.Equal(t, filepath.Join(dir, "overrides.jsonc"), config.Bees[0].ConfigFile)
	assert.Equal(t, "", config.Bees[0].DataDir)
	assert.Equal(t, "/opt/swarm/bin/swarm", config.Bees[1].Executable)
	assert.Equal(t, "/var/lib/bee-1", config.Bees[1].DataDir)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsIOError(err))

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hive: ["), 0644))
	_, err = LoadConfigFromFile(path)
	assert.True(t, errors.IsValidationError(err))
}

func TestCreateBeesFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overrides.jsonc"), []byte(`{
  // from the overrides file
  "listener_port": 40000,
  "swarm_id": "local",
}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private.pem"), []byte("key material"), 0600))

	hiveFile := `
bees:
  - id: bee-0
    executable: ./swarm
    data_dir: data/bee-0
    config_file: overrides.jsonc
    config: {listener_port: 50001}
    state_files: {keys/private.pem: private.pem}
  - id: bee-1
    enabled: false
    executable: ./swarm
`
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(hiveFile), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	bees, err := CreateBeesFromConfig(config, nil, &TestLogger{})
	require.NoError(t, err)
	require.Len(t, bees, 1)

	b := bees[0]
	assert.Equal(t, "bee-0", b.ID())
	assert.Equal(t, filepath.Join(dir, "swarm"), b.ExecutablePath())
	assert.Equal(t, filepath.Join(dir, "data", "bee-0"), b.DataDirectory())
	assert.False(t, b.OwnsDataDirectory())

	// inline config wins over the overrides file
	require.NoError(t, b.WriteStateFiles())
	content, err := os.ReadFile(b.ConfigFilePath())
	require.NoError(t, err)
	assert.Equal(t, int64(50001), gjson.GetBytes(content, "listener_port").Int())
	assert.Equal(t, "local", gjson.GetBytes(content, "swarm_id").String())

	key, err := os.ReadFile(filepath.Join(b.DataDirectory(), "keys", "private.pem"))
	require.NoError(t, err)
	assert.Equal(t, "key material", string(key))
}

func TestCreateBeesFromConfig_MissingStateFileSource(t *testing.T) {
	config, err := ParseConfig([]byte(`
bees:
  - id: bee-0
    executable: swarm
    state_files: {key.pem: /nonexistent/key.pem}
`))
	require.NoError(t, err)

	_, err = CreateBeesFromConfig(config, nil, &TestLogger{})
	assert.True(t, errors.IsIOError(err))
}
