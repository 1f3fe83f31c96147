package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agendaterritorial/agenda/pkg/engine"
)

// Load reads, defaults, validates and resolves the configuration at path.
// Unknown keys are rejected. LOG_LEVEL, when set, overrides
// telemetry.logging.level.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, engine.NewConfigurationError("cannot read configuration file", err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithPath(abs)
	}

	cfg, err := Parse(data)
	if err != nil {
		if pe, ok := err.(*engine.PipelineError); ok {
			return nil, pe.WithPath(abs)
		}
		return nil, err
	}
	cfg.path = abs
	cfg.resolvePaths(filepath.Dir(abs))
	return cfg, nil
}

// Parse decodes and validates a configuration document. Paths are left as
// written.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewConfigurationError("invalid configuration file", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	if cfg.Ingest == nil {
		cfg.Ingest = IngestConfig{}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = strings.ToLower(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints, flag rule syntax and telemetry
// settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewConfigurationError(formatValidationErrors(err), err).
			WithCode(engine.ErrCodeInvalidConfig)
	}

	re := NewRuleEvaluator(0)
	for _, stage := range ruleNames(c.Flags.Rules) {
		if err := re.Check(c.Flags.Rules[stage]); err != nil {
			return engine.NewConfigurationError("invalid flag rule for "+stage, err).
				WithCode(engine.ErrCodeInvalidConfig).
				WithStage(stage)
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return engine.NewConfigurationError("invalid telemetry configuration", err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid configuration"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// resolvePaths makes every configured path absolute relative to dir.
func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	p := &c.Paths
	for _, field := range []*string{
		&p.DataDir, &p.RawDir, &p.StagingDir, &p.ProcessedDir, &p.GeoDir,
		&p.OutputsDir, &p.DistDir, &p.LogsDir, &p.Manifest, &p.History,
	} {
		*field = abs(*field)
	}

	if c.Download.SFTP != nil {
		c.Download.SFTP.PrivateKeyPath = abs(c.Download.SFTP.PrivateKeyPath)
		c.Download.SFTP.KnownHostsPath = abs(c.Download.SFTP.KnownHostsPath)
	}
	if c.Telemetry != nil {
		c.Telemetry.Metrics.Textfile = abs(c.Telemetry.Metrics.Textfile)
	}
}

// BaseDir is the directory relative ingest paths are resolved against.
func (c *Config) BaseDir() string {
	if c.path == "" {
		return "."
	}
	return filepath.Dir(c.path)
}

// FlagGate decides stage enablement from the feature flags and rules.
type FlagGate struct {
	flags     map[string]bool
	rules     map[string]string
	evaluator *RuleEvaluator
}

// Gate returns the flag gate for this configuration.
func (c *Config) Gate() *FlagGate {
	return &FlagGate{
		flags:     c.Flags.Values(),
		rules:     c.Flags.Rules,
		evaluator: NewRuleEvaluator(0),
	}
}

// Enabled reports whether def runs under the configured flags. An unknown
// flag name is a configuration error.
func (g *FlagGate) Enabled(def engine.StageDefinition) (bool, error) {
	if def.Flag != "" {
		on, ok := g.flags[def.Flag]
		if !ok {
			return false, engine.NewConfigurationError("unknown feature flag "+def.Flag, nil).
				WithCode(engine.ErrCodeInvalidConfig).
				WithStage(def.Name)
		}
		if !on {
			return false, nil
		}
	}

	rule, ok := g.rules[def.Name]
	if !ok {
		return true, nil
	}
	on, err := g.evaluator.Evaluate(context.Background(), rule, g.flags)
	if err != nil {
		return false, engine.NewConfigurationError("flag rule failed", err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithStage(def.Name)
	}
	return on, nil
}
