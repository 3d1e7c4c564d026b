package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/partitions"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	pc, err := cfg.PartitionerConfig()
	require.NoError(t, err)
	assert.Equal(t, partitions.DefaultConfig(), pc)
	assert.False(t, cfg.Numbering.HashCoordinates)
	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	content := `
partitioner:
  backend: hypergraph
  policy: nodes
  imbalance: 0.1
overlap: 2
numbering:
  hash_coordinates: true
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hypergraph", cfg.Partitioner.Backend)
	assert.Equal(t, 4, cfg.Partitioner.RefinePasses)
	assert.True(t, cfg.Numbering.HashCoordinates)

	pc, err := cfg.PartitionerConfig()
	require.NoError(t, err)
	assert.Equal(t, partitions.NodePolicy, pc.Policy)
	assert.Equal(t, 2, pc.Overlap)
	assert.InDelta(t, 0.1, pc.Imbalance, 1e-12)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]struct {
		yaml string
		code errors.Code
	}{
		"backend":   {"partitioner:\n  backend: spectral\n", errors.ErrSetup},
		"policy":    {"partitioner:\n  policy: faces\n", errors.ErrSetup},
		"overlap":   {"overlap: -1\n", errors.ErrSetup},
		"imbalance": {"partitioner:\n  imbalance: 1.5\n", errors.ErrSetup},
		"level":     {"log:\n  level: loud\n", errors.ErrSetup},
		"unknown":   {"ranks: 4\n", errors.ErrParsingFailed},
		"syntax":    {"overlap: [1\n", errors.ErrParsingFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.True(t, errors.Is(err, tc.code), "%v", err)
		})
	}

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
