package mapping

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/testbridge-io/testbridge/internal/config"
)

// RulesConfig holds resolution classification overrides loaded from
// .testbridge.yaml.
type RulesConfig struct {
	// ResolutionOverrides maps tracker status names (case-insensitive) to
	// resolution states, consulted before the built-in substring rules.
	// Key is the tracker status, value is one of the Resolution constants.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ResolutionOverrides map[string]string `yaml:"resolution_overrides"`
}

// DefaultRulesPath is the default location for the testbridge configuration
// file. Uses hidden file format following common tool conventions.
const DefaultRulesPath = ".testbridge.yaml"

// RulesPathEnvVar is the environment variable name for a custom config path.
const RulesPathEnvVar = "TESTBRIDGE_RULES_PATH"

// LoadRulesConfig loads resolution overrides from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - overrides are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
func LoadRulesConfig(path string) (*RulesConfig, error) {
	cfg := &RulesConfig{
		ResolutionOverrides: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without resolution overrides",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without resolution overrides",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without resolution overrides",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &RulesConfig{ResolutionOverrides: make(map[string]string)}, nil
	}

	if cfg.ResolutionOverrides == nil {
		cfg.ResolutionOverrides = make(map[string]string)
	}

	return cfg, nil
}

// LoadRulesConfigFromEnv loads config from the path in TESTBRIDGE_RULES_PATH.
// Falls back to ".testbridge.yaml" in the current directory if not set.
func LoadRulesConfigFromEnv() (*RulesConfig, error) {
	path := config.GetEnvStr(RulesPathEnvVar, DefaultRulesPath)

	return LoadRulesConfig(path)
}

// Classifier maps tracker status names to resolution states.
// Thread-safe for concurrent use (immutable after construction).
type Classifier struct {
	overrides map[string]string
}

// NewClassifier creates a classifier from config with validation.
//
// Overrides whose value is not a known resolution state are skipped with a
// warning. A nil config yields a classifier with substring rules only.
func NewClassifier(cfg *RulesConfig) *Classifier {
	overrides := make(map[string]string)

	if cfg != nil {
		for status, resolution := range cfg.ResolutionOverrides {
			status = strings.ToLower(strings.TrimSpace(status))
			resolution = strings.ToLower(strings.TrimSpace(resolution))

			if status == "" {
				continue
			}

			switch resolution {
			case ResolutionOpen, ResolutionInProgress, ResolutionResolved, ResolutionClosed:
				overrides[status] = resolution
			default:
				slog.Warn("Skipping override with unknown resolution",
					slog.String("status", status),
					slog.String("resolution", resolution))
			}
		}
	}

	return &Classifier{overrides: overrides}
}

// Classify maps a tracker status name to a resolution state.
//
// Operator overrides are consulted first (exact, case-insensitive). The
// built-in substring rules then apply in order:
//  1. "done", "resolved", or "fixed" → resolved
//  2. "closed" → closed
//  3. "progress", "review", or "testing" → in_progress
//  4. everything else → open
//
// The substring rules are deliberately coarse; statuses they misclassify
// (e.g. a workflow with a "Needs Review" open state) are what the override
// file is for.
func (c *Classifier) Classify(status string) string {
	normalized := strings.ToLower(strings.TrimSpace(status))

	if c != nil {
		if resolution, ok := c.overrides[normalized]; ok {
			return resolution
		}
	}

	switch {
	case strings.Contains(normalized, "done"),
		strings.Contains(normalized, "resolved"),
		strings.Contains(normalized, "fixed"):
		return ResolutionResolved
	case strings.Contains(normalized, "closed"):
		return ResolutionClosed
	case strings.Contains(normalized, "progress"),
		strings.Contains(normalized, "review"),
		strings.Contains(normalized, "testing"):
		return ResolutionInProgress
	default:
		return ResolutionOpen
	}
}

// OverrideCount returns the number of loaded overrides.
func (c *Classifier) OverrideCount() int {
	if c == nil {
		return 0
	}

	return len(c.overrides)
}
