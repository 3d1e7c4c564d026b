// Package config loads the YAML configuration of the mesh tools
package config

import (
	"bytes"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/partitions"
)

type Config struct {
	Partitioner Partitioner `yaml:"partitioner"`
	Overlap     int         `yaml:"overlap"`
	Numbering   Numbering   `yaml:"numbering"`
	Log         Log         `yaml:"log"`
}

type Partitioner struct {
	Backend      string  `yaml:"backend"`
	Policy       string  `yaml:"policy"`
	Imbalance    float64 `yaml:"imbalance"`
	RefinePasses int     `yaml:"refine_passes"`
}

type Numbering struct {
	HashCoordinates bool `yaml:"hash_coordinates"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	def := partitions.DefaultConfig()
	return &Config{
		Partitioner: Partitioner{
			Backend:      def.Backend,
			Policy:       def.Policy.String(),
			Imbalance:    def.Imbalance,
			RefinePasses: def.RefinePasses,
		},
		Overlap: def.Overlap,
		Log:     Log{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapCode(err, errors.ErrSetup, "reading configuration")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.WrapCode(err, errors.ErrParsingFailed, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a partitioner and logger would reject
func (c *Config) Validate() error {
	if _, err := partitions.NewBackend(c.Partitioner.Backend); err != nil {
		return err
	}
	if _, err := partitions.ParsePolicy(c.Partitioner.Policy); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	_, err := c.PartitionerConfig()
	return err
}

// PartitionerConfig converts the partitioner section
func (c *Config) PartitionerConfig() (partitions.Config, error) {
	policy, err := partitions.ParsePolicy(c.Partitioner.Policy)
	if err != nil {
		return partitions.Config{}, err
	}
	pc := partitions.Config{
		Backend:      c.Partitioner.Backend,
		Policy:       policy,
		Imbalance:    c.Partitioner.Imbalance,
		RefinePasses: c.Partitioner.RefinePasses,
		Overlap:      c.Overlap,
	}
	if pc.Imbalance < 0 || pc.Imbalance > 1 {
		return pc, errors.Newf(errors.ErrSetup, "imbalance %g outside [0,1]", pc.Imbalance)
	}
	if pc.Overlap < 0 {
		return pc, errors.Newf(errors.ErrSetup, "negative overlap %d", pc.Overlap)
	}
	if pc.RefinePasses < 0 {
		return pc, errors.Newf(errors.ErrSetup, "negative refine passes %d", pc.RefinePasses)
	}
	return pc, nil
}

// LogLevel parses the log level
func (c *Config) LogLevel() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, errors.WrapCode(err, errors.ErrSetup, "log level")
	}
	return lvl, nil
}

// NewLogger builds a production logger at the configured level
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := zc.Build()
	if err != nil {
		return nil, errors.WrapCode(err, errors.ErrSetup, "building logger")
	}
	return log, nil
}
