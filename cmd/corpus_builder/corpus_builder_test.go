package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/shard"
)

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
corpus:
  input: /data/owt
tokenizer:
  id: pile
build:
  output_dir: /data/out
  batch_size: 64
`), 0o600))

	fs := flag.NewFlagSet("corpus_builder", flag.ContinueOnError)
	cfg, err := loadConfig(fs, []string{
		"-config", path,
		"-tokenizer", "bytes",
		"-val_fraction", "0.1",
		"-trust_existing",
		"-seed", "0",
	})
	require.NoError(t, err)

	assert.Equal(t, "/data/owt", cfg.Corpus.Input)
	assert.Equal(t, "bytes", cfg.Tokenizer.ID, "flag wins over file")
	assert.Equal(t, 64, cfg.Build.BatchSize, "file value kept when flag unset")
	assert.Equal(t, "trust", cfg.Build.ExistingPolicy)
	assert.Equal(t, int64(0), *cfg.Split.Seed)
	require.Len(t, cfg.Split.Holdouts, 1)
	assert.InDelta(t, 0.1, cfg.Split.Holdouts[0].Fraction, 1e-12)
}

func TestLoadConfigRequiresInput(t *testing.T) {
	fs := flag.NewFlagSet("corpus_builder", flag.ContinueOnError)
	_, err := loadConfig(fs, []string{"-output", t.TempDir()})
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)

	fs = flag.NewFlagSet("corpus_builder", flag.ContinueOnError)
	_, err = loadConfig(fs, []string{"-input", "x", "-batch_unit", "bytes"})
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestBuildOptions(t *testing.T) {
	input := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(input, []byte("hello"), 0o600))

	fs := flag.NewFlagSet("corpus_builder", flag.ContinueOnError)
	cfg, err := loadConfig(fs, []string{
		"-input", input,
		"-output", t.TempDir(),
		"-tokenizer", "bytes",
		"-workers", "3",
		"-batch_unit", "tokens",
		"-snapshot",
	})
	require.NoError(t, err)

	opts, err := buildOptions(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, shard.BatchTokens, opts.BatchUnit)
	assert.Equal(t, shard.PolicyVerify, opts.ExistingPolicy)
	assert.True(t, opts.Snapshot)
	assert.Equal(t, filepath.Join(cfg.Build.OutputDir, "snapshot"), opts.SnapshotDir)

	tok, err := opts.NewTokenizer()
	require.NoError(t, err)
	assert.Equal(t, 257, tok.VocabSize())
}
