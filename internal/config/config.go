// Package config defines the Agent and Fusion configuration shapes
// (spec.md §6 "Config file shapes") and their load/validate/save lifecycle.
// Grounded on the teacher's internal/config/config.go: nested yaml.v2-tagged
// structs, a Load-from-file function, a Validate pass, and defaults — the
// same shape, carrying Fustor's fields instead of ObjectFS's cache/buffer
// knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/fustor/pkg/ferrors"
)

// LoggingConfig is the yaml-serializable projection of internal/logging.Config
// (that type embeds an io.Writer and so cannot be unmarshaled directly).
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	File          string            `yaml:"file,omitempty"`
	IncludeCaller bool              `yaml:"include_caller"`
	Components    map[string]string `yaml:"components,omitempty"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "text", IncludeCaller: true}
}

// SourceConfig describes one named data source a pipe reads from
// (spec.md §6: "sources: {id: {driver, uri, credential?, driver_params?, disabled?}}").
type SourceConfig struct {
	Driver       string            `yaml:"driver"`
	URI          string            `yaml:"uri"`
	Credential   string            `yaml:"credential,omitempty"`
	DriverParams map[string]string `yaml:"driver_params,omitempty"`
	Disabled     bool              `yaml:"disabled,omitempty"`
}

// SenderConfig describes one named sink a pipe sends batches to
// (spec.md §6: "senders: {id: {driver, uri, credential, batch_size?, timeout_sec?, …}}").
type SenderConfig struct {
	Driver     string `yaml:"driver"`
	URI        string `yaml:"uri"`
	Credential string `yaml:"credential"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
	Disabled   bool   `yaml:"disabled,omitempty"`
}

// AgentPipeConfig names one Agent Pipe's wiring and tunables
// (spec.md §6, Agent's "pipes" map).
type AgentPipeConfig struct {
	Source               string            `yaml:"source"`
	Sender               string            `yaml:"sender"`
	FieldsMapping        map[string]string `yaml:"fields_mapping,omitempty"`
	AuditIntervalSec     int               `yaml:"audit_interval_sec,omitempty"`
	SentinelIntervalSec  int               `yaml:"sentinel_interval_sec,omitempty"`
	Disabled             bool              `yaml:"disabled,omitempty"`
	ErrorRetryInterval   float64           `yaml:"error_retry_interval,omitempty"`
	BackoffMultiplier    float64           `yaml:"backoff_multiplier,omitempty"`
	MaxBackoffSeconds    float64           `yaml:"max_backoff_seconds,omitempty"`
	MaxConsecutiveErrors int               `yaml:"max_consecutive_errors,omitempty"`
}

// AgentConfig is the Agent host's complete file-backed configuration
// (spec.md §6 "Agent config").
type AgentConfig struct {
	AgentID       string                     `yaml:"agent_id,omitempty"`
	FSScanWorkers int                        `yaml:"fs_scan_workers,omitempty"`
	Logging       LoggingConfig              `yaml:"logging,omitempty"`
	Sources       map[string]SourceConfig    `yaml:"sources"`
	Senders       map[string]SenderConfig    `yaml:"senders"`
	Pipes         map[string]AgentPipeConfig `yaml:"pipes"`
}

// ReceiverConfig describes one Fusion-side listener that sessions attach to.
type ReceiverConfig struct {
	Driver   string `yaml:"driver"`
	URI      string `yaml:"uri"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// ViewConfig names one Fusion view: the in-memory tree a set of pipes feeds
// (spec.md §4.2), plus whether it runs in "forest" mode (SPEC_FULL.md §C.1).
type ViewConfig struct {
	Mode             string        `yaml:"mode,omitempty"` // "" (single) or "forest"
	HotFileThreshold int           `yaml:"hot_file_threshold_sec,omitempty"`
	SuspectTTLSec    int           `yaml:"suspect_ttl_sec,omitempty"`
}

// FusionPipeConfig names one Fusion Pipe's wiring (spec.md §6, Fusion's
// "pipes" map mirrors the Agent's, plus a view reference).
type FusionPipeConfig struct {
	Source   string `yaml:"source"`
	Sender   string `yaml:"sender"`
	View     string `yaml:"view"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// FusionConfig is the Fusion host's complete file-backed configuration
// (spec.md §6: "Fusion config mirrors sources/senders/views/receivers/pipes").
type FusionConfig struct {
	Logging   LoggingConfig               `yaml:"logging,omitempty"`
	Sources   map[string]SourceConfig     `yaml:"sources"`
	Senders   map[string]SenderConfig     `yaml:"senders"`
	Views     map[string]ViewConfig       `yaml:"views"`
	Receivers map[string]ReceiverConfig   `yaml:"receivers"`
	Pipes     map[string]FusionPipeConfig `yaml:"pipes"`
}

// DefaultAgentConfig returns an Agent configuration with empty maps and
// sane scalar defaults, ready for a caller to populate sources/senders/pipes.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		FSScanWorkers: 4,
		Logging:       defaultLogging(),
		Sources:       make(map[string]SourceConfig),
		Senders:       make(map[string]SenderConfig),
		Pipes:         make(map[string]AgentPipeConfig),
	}
}

// DefaultFusionConfig returns a Fusion configuration with empty maps.
func DefaultFusionConfig() *FusionConfig {
	return &FusionConfig{
		Logging:   defaultLogging(),
		Sources:   make(map[string]SourceConfig),
		Senders:   make(map[string]SenderConfig),
		Views:     make(map[string]ViewConfig),
		Receivers: make(map[string]ReceiverConfig),
		Pipes:     make(map[string]FusionPipeConfig),
	}
}

// LoadAgentConfig reads and parses an Agent config file, applying defaults
// to unset scalars.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeConfigIOFailure, "read agent config", err).WithComponent("config")
	}
	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ferrors.Wrap(ferrors.CodeConfigInvalidYAML, "parse agent config", err).WithComponent("config")
	}
	if err := ValidateAgentConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFusionConfig reads and parses a Fusion config file.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeConfigIOFailure, "read fusion config", err).WithComponent("config")
	}
	cfg := DefaultFusionConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ferrors.Wrap(ferrors.CodeConfigInvalidYAML, "parse fusion config", err).WithComponent("config")
	}
	if err := ValidateFusionConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteAtomic implements spec.md §6's update protocol: "copy existing → .bak,
// then overwrite target; on failure, restore from .bak". path's parent
// directory is created if missing.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return ferrors.Wrap(ferrors.CodeConfigIOFailure, "create config directory", err).WithComponent("config")
	}

	backupPath := path + ".bak"
	hadExisting := false
	if existing, err := os.ReadFile(path); err == nil {
		hadExisting = true
		if err := os.WriteFile(backupPath, existing, 0600); err != nil {
			return ferrors.Wrap(ferrors.CodeConfigIOFailure, "write config backup", err).WithComponent("config")
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		if hadExisting {
			if restoreErr := os.Rename(backupPath, path); restoreErr != nil {
				return ferrors.Wrap(ferrors.CodeConfigIOFailure,
					fmt.Sprintf("write failed (%v) and restore from backup also failed", err), restoreErr).
					WithComponent("config")
			}
		}
		return ferrors.Wrap(ferrors.CodeConfigIOFailure, "write config file", err).WithComponent("config")
	}
	return nil
}

// SaveAgentConfig marshals cfg to YAML and writes it atomically to path.
func SaveAgentConfig(path string, cfg *AgentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeConfigIOFailure, "marshal agent config", err).WithComponent("config")
	}
	return WriteAtomic(path, data)
}

// SaveFusionConfig marshals cfg to YAML and writes it atomically to path.
func SaveFusionConfig(path string, cfg *FusionConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeConfigIOFailure, "marshal fusion config", err).WithComponent("config")
	}
	return WriteAtomic(path, data)
}
