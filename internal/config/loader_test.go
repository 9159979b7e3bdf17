package config_test

import (
	"strings"
	"testing"

	"github.com/hlsf-engine/hlsf-core/internal/config"
)

func TestValidate_NegativeMaxNodes(t *testing.T) {
	t.Parallel()
	yaml := `
performance:
  max_nodes: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative max_nodes, got nil")
	}
	if !strings.Contains(err.Error(), "max_nodes") {
		t.Errorf("error should mention max_nodes, got: %v", err)
	}
}

func TestValidate_NegativeMaxEdges(t *testing.T) {
	t.Parallel()
	yaml := `
performance:
  max_edges: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative max_edges, got nil")
	}
}

func TestValidate_NegativeMaxRelationshipsMeansInfinity(t *testing.T) {
	t.Parallel()
	// -1 is the encoding for "unbounded" and must not be rejected.
	yaml := `
performance:
  max_relationships: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error for max_relationships=-1: %v", err)
	}
}

func TestValidate_ZeroRecursionDepthIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
performance:
  adjacency_recursion_depth: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MaxRecursionDepthIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
performance:
  adjacency_recursion_depth: 8
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
performance:
  branching_factor: 1
  prune_weight_threshold: 2.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "branching_factor") {
		t.Errorf("error should mention branching_factor, got: %v", err)
	}
	if !strings.Contains(errStr, "prune_weight_threshold") {
		t.Errorf("error should mention prune_weight_threshold, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	found := false
	for _, n := range config.ValidProviderNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames should contain \"openai\"")
	}
}

func TestLoadFromReader_LLMFallbackParses(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  name: openai
  model: gpt-4o
llm_fallback:
  - name: anthropic
    model: claude-3-5-sonnet
  - name: ollama
    model: llama3
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.LLMFallback) != 2 {
		t.Fatalf("len(LLMFallback) = %d, want 2", len(cfg.LLMFallback))
	}
	if cfg.LLMFallback[0].Name != "anthropic" || cfg.LLMFallback[1].Name != "ollama" {
		t.Errorf("LLMFallback = %+v, want [anthropic ollama] in order", cfg.LLMFallback)
	}
}

func TestValidate_UnknownLLMFallbackProviderWarnsNotErrors(t *testing.T) {
	t.Parallel()
	yaml := `
llm_fallback:
  - name: totally-made-up-provider
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unknown fallback provider name should warn, not error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
