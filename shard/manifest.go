package shard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/types"
)

// ManifestSuffix is appended to a shard path to name its manifest.
const ManifestSuffix = ".manifest"

// Manifest records a completed shard. It is written only after the shard
// has been filled and synced, so its presence marks the shard complete.
type Manifest struct {
	Split       string    `yaml:"split"`
	Tokens      int64     `yaml:"tokens"`
	Bytes       int64     `yaml:"bytes"`
	Documents   int64     `yaml:"documents"`
	Checksum    string    `yaml:"xxhash64"`
	Tokenizer   string    `yaml:"tokenizer"`
	TokenWidth  int       `yaml:"token_width"`
	RunID       string    `yaml:"run_id"`
	CompletedAt time.Time `yaml:"completed_at"`
}

// NewManifest fills a manifest from a writer summary.
func NewManifest(split, tokenizerID, runID string, s Summary) Manifest {
	return Manifest{
		Split:       split,
		Tokens:      s.Tokens,
		Bytes:       s.Bytes,
		Documents:   s.Documents,
		Checksum:    FormatChecksum(s.Checksum),
		Tokenizer:   tokenizerID,
		TokenWidth:  types.TokenSize,
		RunID:       runID,
		CompletedAt: time.Now().UTC(),
	}
}

// FormatChecksum renders a digest the way manifests store it.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// ManifestPath returns the manifest path for the shard at shardPath.
func ManifestPath(shardPath string) string {
	return shardPath + ManifestSuffix
}

// WriteManifest atomically writes m next to the shard.
func WriteManifest(shardPath string, m Manifest) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := ManifestPath(shardPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", cerrors.WrapIO(err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of the shard at shardPath.
func ReadManifest(shardPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(ManifestPath(shardPath)))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", ManifestPath(shardPath), err)
	}
	return &m, nil
}

// RemoveManifest deletes the manifest of the shard, if any. It is called
// before a shard is rewritten so a crash cannot leave a stale manifest.
func RemoveManifest(shardPath string) error {
	err := os.Remove(ManifestPath(shardPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Checksum streams the shard at path through xxhash64.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	d := xxhash.New()
	if _, err := io.Copy(d, f); err != nil {
		return 0, fmt.Errorf("checksum %s: %w", path, err)
	}
	return d.Sum64(), nil
}

// Status classifies a shard found on disk.
type Status int

const (
	// Missing: no shard file.
	Missing Status = iota
	// Complete: the shard agrees with its manifest.
	Complete
	// Unverified: the shard exists but has no manifest.
	Unverified
	// Mismatch: the manifest disagrees with the shard.
	Mismatch
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Complete:
		return "complete"
	case Unverified:
		return "unverified"
	case Mismatch:
		return "mismatch"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// CheckOptions tunes how strictly Check trusts a manifest.
type CheckOptions struct {
	// VerifyChecksum recomputes the digest of the shard.
	VerifyChecksum bool
	// Tokenizer, when set, must match the manifest's tokenizer.
	Tokenizer string
}

// Check inspects the shard at path and its manifest.
func Check(path string, opts CheckOptions) (Status, *Manifest, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Missing, nil, nil
	}
	if err != nil {
		return Missing, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	m, err := ReadManifest(path)
	if errors.Is(err, os.ErrNotExist) {
		return Unverified, nil, nil
	}
	if err != nil {
		// An unreadable manifest cannot vouch for the shard.
		return Mismatch, nil, nil
	}

	if m.TokenWidth != types.TokenSize || m.Bytes != st.Size() ||
		m.Tokens*types.TokenSize != st.Size() {
		return Mismatch, m, nil
	}
	if opts.Tokenizer != "" && m.Tokenizer != opts.Tokenizer {
		return Mismatch, m, nil
	}
	if opts.VerifyChecksum {
		sum, err := Checksum(path)
		if err != nil {
			return Mismatch, m, err
		}
		if FormatChecksum(sum) != m.Checksum {
			return Mismatch, m, nil
		}
	}
	return Complete, m, nil
}

// Policy decides which existing shards a build leaves alone.
type Policy int

const (
	// PolicyVerify skips only shards with a matching manifest.
	PolicyVerify Policy = iota
	// PolicyTrust also skips shards without a manifest, trusting that any
	// file present is complete.
	PolicyTrust
)

// ParsePolicy parses "verify" or "trust".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "verify", "":
		return PolicyVerify, nil
	case "trust":
		return PolicyTrust, nil
	}
	return 0, cerrors.NewConfigError("existing_policy",
		"must be \"verify\" or \"trust\", got %q", s)
}

func (p Policy) String() string {
	if p == PolicyTrust {
		return "trust"
	}
	return "verify"
}

// Skip reports whether a shard with status s is left as is.
func (p Policy) Skip(s Status) bool {
	switch s {
	case Complete:
		return true
	case Unverified:
		return p == PolicyTrust
	}
	return false
}
