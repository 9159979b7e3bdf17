package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [CoreConfig].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*CoreConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*CoreConfig, error) {
	cfg := &CoreConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value Performance Profile fields with
// conservative defaults so a partially specified config still runs.
func applyDefaults(cfg *CoreConfig) {
	p := &cfg.Performance
	if p.BranchingFactor == 0 {
		p.BranchingFactor = 2
	}
	if p.MaxNodes == 0 {
		p.MaxNodes = 5000
	}
	if p.MaxEdges == 0 {
		p.MaxEdges = 20000
	}
	if p.MaxRelationTypes == 0 {
		p.MaxRelationTypes = 50
	}
	if p.AdjacencySpawnLimit == 0 {
		p.AdjacencySpawnLimit = p.BranchingFactor
	}
	if p.RemoteChunkConcurrency == 0 {
		p.RemoteChunkConcurrency = 4
	}
	if cfg.Durable.Driver == "" {
		cfg.Durable.Driver = "file"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *CoreConfig) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Performance Profile
	p := cfg.Performance
	if p.BranchingFactor != 0 && p.BranchingFactor < 2 {
		errs = append(errs, fmt.Errorf("performance.branching_factor %d must be >= 2", p.BranchingFactor))
	}
	if p.PruneWeightThreshold < 0 || p.PruneWeightThreshold > 1 {
		errs = append(errs, fmt.Errorf("performance.prune_weight_threshold %.3f must lie in [0, 1]", p.PruneWeightThreshold))
	}
	if p.AdjacencyRecursionDepth < 0 || p.AdjacencyRecursionDepth > 8 {
		errs = append(errs, fmt.Errorf("performance.adjacency_recursion_depth %d must lie in [0, 8]", p.AdjacencyRecursionDepth))
	}
	if p.MaxNodes < 0 {
		errs = append(errs, fmt.Errorf("performance.max_nodes %d must be >= 0", p.MaxNodes))
	}
	if p.MaxEdges < 0 {
		errs = append(errs, fmt.Errorf("performance.max_edges %d must be >= 0", p.MaxEdges))
	}

	// LLM provider name validation — warn for unknown provider names.
	validateProviderName(cfg.LLM.Name)
	for _, entry := range cfg.LLMFallback {
		validateProviderName(entry.Name)
	}

	// Durable store
	switch cfg.Durable.Driver {
	case "", "file":
		// file-backed store: FileDir defaults to a relative path, nothing to validate.
	case "postgres":
		if cfg.Durable.PostgresDSN == "" {
			errs = append(errs, errors.New("durable_store.postgres_dsn is required when driver is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("durable_store.driver %q is invalid; valid values: file, postgres", cfg.Durable.Driver))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
