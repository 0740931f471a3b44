package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultSeed, *cfg.Split.Seed)
	require.Len(t, cfg.Split.Holdouts, 1)
	assert.Equal(t, "val", cfg.Split.Holdouts[0].Name)
	assert.InDelta(t, 0.0005, cfg.Split.Holdouts[0].Fraction, 1e-12)
	assert.Equal(t, "gpt2", cfg.Tokenizer.ID)
	assert.Equal(t, "documents", cfg.Build.BatchUnit)
	assert.Equal(t, "verify", cfg.Build.ExistingPolicy)
	assert.Equal(t, 1024, cfg.Build.BatchSize)
	assert.Equal(t, 100, cfg.Scan.PollIntervalMs)
	require.NotNil(t, cfg.Scan.Context)
	assert.Equal(t, DefaultContext, *cfg.Scan.Context)
	assert.Equal(t, "local", cfg.Logging.Env)
}

func TestScanContextZeroIsKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
scan:
  context: 0
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Scan.Context)
	assert.Zero(t, *cfg.Scan.Context)

	_, err = Load(writeConfig(t, `
scan:
  context: -1
`))
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("SHARDS_OUT", "/data/out")
	path := writeConfig(t, `
corpus:
  input: ./docs
  sanitize: true
split:
  seed: 0
  holdouts:
    - name: val
      fraction: 0.1
    - name: test
      fraction: 0.05
tokenizer:
  id: bytes
build:
  output_dir: ${SHARDS_OUT}
  batch_unit: tokens
  batch_size: 4096
  snapshot: true
  tmp_dir: ${SHARDS_TMP:-/tmp/shards}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./docs", cfg.Corpus.Input)
	assert.True(t, cfg.Corpus.Sanitize)
	assert.Equal(t, int64(0), *cfg.Split.Seed, "explicit zero seed is kept")
	assert.Len(t, cfg.Split.Holdouts, 2)
	assert.Equal(t, "bytes", cfg.Tokenizer.ID)
	assert.Equal(t, "/data/out", cfg.Build.OutputDir)
	assert.Equal(t, "/tmp/shards", cfg.Build.TempDir)
	assert.Equal(t, filepath.Join("/data/out", "snapshot"), cfg.Build.SnapshotDir)
	assert.Equal(t, 4096, cfg.Build.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad unit", "build:\n  batch_unit: bytes\n", "build.batch_unit"},
		{"bad policy", "build:\n  existing_policy: maybe\n", "build.existing_policy"},
		{"negative workers", "build:\n  workers: -1\n", "build.workers"},
		{"fraction too large", "build:\n  worker_fraction: 1.5\n", "build.worker_fraction"},
		{"holdout named train", "split:\n  holdouts:\n    - name: train\n      fraction: 0.1\n", "split.holdouts"},
		{"holdout zero", "split:\n  holdouts:\n    - name: val\n      fraction: 0\n", "split.holdouts"},
		{"holdouts sum", "split:\n  holdouts:\n    - name: a\n      fraction: 0.6\n    - name: b\n      fraction: 0.5\n", "split.holdouts"},
		{"bad env", "logging:\n  env: staging\n", "logging.env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, cerrors.ErrConfiguration)
			assert.ErrorContains(t, err, tt.field)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SHARDS_A", "alpha")
	out := expandEnvVars([]byte("${SHARDS_A} ${SHARDS_UNSET:-beta} ${SHARDS_UNSET}"))
	assert.Equal(t, "alpha beta ", string(out))
}
