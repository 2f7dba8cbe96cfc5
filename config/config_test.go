package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/lifecycle"
	"github.com/goliatone/go-relato/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout)
	assert.Len(t, cfg.Steps(), 3)

	table, err := cfg.Table()
	require.NoError(t, err)
	assert.Equal(t, len(lifecycle.DefaultRules()), len(table.Rules()))

	policy := cfg.Policy()
	assert.Equal(t, retry.DefaultMaxAttempts, policy.MaxAttempts)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
retry:
  max_attempts:
    network_error: 5
    unknown: 0
  backoff:
    base: 10s
    factor: 3
    max: 5m
  sweep:
    expression: "*/5 * * * *"
    limit: 50
    window: 24h
executor:
  timeout: 2s
progress:
  steps:
    - id: persist
      label: Saving
      weight: 2
      completion_effect_type: persist_report
storage:
  driver: sqlite
  sqlite:
    dsn: "file::memory:?cache=shared"
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Retry.Sweep.Window)
	assert.Equal(t, 50, cfg.Retry.Sweep.Limit)
	assert.True(t, cfg.Retry.Sweep.Enabled, "unset fields keep their defaults")
	assert.Equal(t, "effect_results", cfg.Storage.SQLite.Table)
	assert.Equal(t, "json", cfg.Logging.Format)

	policy := cfg.Policy()
	assert.Equal(t, 5, policy.MaxAttempts[retry.CategoryNetworkError])
	assert.Equal(t, 0, policy.MaxAttempts[retry.CategoryUnknown])
	assert.Equal(t, 2, policy.MaxAttempts[retry.CategoryTimeout])
	assert.Equal(t, 30*time.Second, policy.Backoff.SleepDuration(1, nil))

	steps := cfg.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, effect.KindPersistReport, steps[0].CompletionEffectType)
	assert.Equal(t, 2, steps[0].Weight)
}

func TestParseCustomLifecycleRules(t *testing.T) {
	cfg, err := Parse([]byte(`
lifecycle:
  rules:
    - intent: create_report
      from: [""]
      to: created
      effects: [persist_report]
    - intent: archive
      from: [created]
      to: archived
      require_owner: true
      effects: [update_status, emit_domain_event]
      event: report.archived
`))
	require.NoError(t, err)
	table, err := cfg.Table()
	require.NoError(t, err)
	rule, ok := table.Lookup(lifecycle.StateCreated, lifecycle.IntentArchive)
	require.True(t, ok)
	assert.True(t, rule.RequireOwner)
	assert.Equal(t, lifecycle.StateArchived, rule.To)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown category": "retry:\n  max_attempts:\n    cosmic_ray: 1\n",
		"negative max":     "retry:\n  max_attempts:\n    timeout: -1\n",
		"base over max":    "retry:\n  backoff:\n    base: 1h\n    max: 1m\n",
		"empty sweep":      "retry:\n  sweep:\n    expression: \"\"\n",
		"bad driver":       "storage:\n  driver: cassandra\n",
		"mongo database":   "storage:\n  driver: mongo\n  mongo:\n    database: \"\"\n",
		"bad steps":        "progress:\n  steps:\n    - id: x\n      weight: 0\n      completion_effect_type: persist_report\n",
		"bad rules":        "lifecycle:\n  rules:\n    - intent: fly\n      from: [created]\n",
		"bad format":       "logging:\n  format: xml\n",
		"bad yaml":         "retry: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			var coded *errors.Error
			require.ErrorAs(t, err, &coded)
			assert.Equal(t, ErrCodeInvalid, coded.TextCode)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relato.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  timeout: 7s\n"), 0o600))

	t.Setenv(EnvPath, path)
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Executor.Timeout)

	t.Setenv(EnvPath, "")
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Executor, cfg.Executor)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
