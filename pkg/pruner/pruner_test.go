package pruner_test

import (
	"testing"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/pruner"
)

func TestLimit_DropsBelowFloor(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["≡"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "weak", Weight: 0.05},
	}
	r.Recompute()

	out := pruner.Limit(r, pruner.Options{EdgesPerTypeCap: 10, RelationshipBudget: hlsf.Infinite})
	edges := out.Relationships["≡"]
	if len(edges) != 1 || edges[0].Neighbor != "beta" {
		t.Errorf("Limit() = %+v, want only beta to survive", edges)
	}
}

func TestLimit_DeterministicOrdering(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["≡"] = []hlsf.Edge{
		{Neighbor: "zeta", Weight: 0.5},
		{Neighbor: "beta", Weight: 0.5},
	}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{EdgesPerTypeCap: 10, RelationshipBudget: hlsf.Infinite})
	edges := out.Relationships["≡"]
	if len(edges) != 2 || edges[0].Neighbor != "beta" || edges[1].Neighbor != "zeta" {
		t.Errorf("Limit() ordering = %+v, want [beta, zeta]", edges)
	}
}

func TestLimit_EdgesPerTypeCap(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	for i := 0; i < 5; i++ {
		r.Relationships["≡"] = append(r.Relationships["≡"], hlsf.Edge{Neighbor: hlsf.Token(string(rune('a' + i))), Weight: 0.9 - float64(i)*0.01})
	}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{EdgesPerTypeCap: 2, RelationshipBudget: hlsf.Infinite})
	if got := len(out.Relationships["≡"]); got != 2 {
		t.Errorf("len(edges) = %d, want 2", got)
	}
}

func TestLimit_PriorityTokensFirst(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["≡"] = []hlsf.Edge{
		{Neighbor: "high", Weight: 0.95},
		{Neighbor: "promoted", Weight: 0.5},
	}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{
		EdgesPerTypeCap:    1,
		RelationshipBudget: hlsf.Infinite,
		PriorityTokens:     map[hlsf.Token]bool{"promoted": true},
	})
	edges := out.Relationships["≡"]
	if len(edges) != 1 || edges[0].Neighbor != "promoted" {
		t.Errorf("Limit() with priority = %+v, want only promoted", edges)
	}
}

func TestLimit_InjectsGlobalConnectForPriorityAnchor(t *testing.T) {
	r := hlsf.NewRecord("anchor")
	r.Relationships["≡"] = []hlsf.Edge{{Neighbor: "other", Weight: 0.9}}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{
		EdgesPerTypeCap:    10,
		RelationshipBudget: hlsf.Infinite,
		PriorityTokens:     map[hlsf.Token]bool{"anchor": true, "peer": true},
	})
	found := false
	for _, e := range out.Relationships[hlsf.RelGlobalConnect] {
		if e.Neighbor == "peer" {
			found = true
		}
	}
	if !found {
		t.Error("expected synthetic global-connect edge to peer")
	}
}

func TestLimit_Idempotent(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["≡"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "gamma", Weight: 0.5},
	}
	r.Recompute()
	opts := pruner.Options{EdgesPerTypeCap: 5, RelationshipBudget: hlsf.Infinite}
	once := pruner.Limit(r, opts)
	twice := pruner.Limit(once, opts)
	if once.TotalRelationships != twice.TotalRelationships {
		t.Fatalf("Limit not idempotent: once=%d twice=%d", once.TotalRelationships, twice.TotalRelationships)
	}
	for rel, edges := range once.Relationships {
		if len(twice.Relationships[rel]) != len(edges) {
			t.Errorf("bucket %q changed size across repeated Limit calls", rel)
		}
	}
}

func TestLimit_GlobalConnectFloorIsZero(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships[hlsf.RelGlobalConnect] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.001}}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{EdgesPerTypeCap: 10, RelationshipBudget: hlsf.Infinite})
	if len(out.Relationships[hlsf.RelGlobalConnect]) != 1 {
		t.Error("global-connect edges with near-zero weight must survive the prune floor")
	}
}

func TestLimit_RelationshipBudgetHalvesHardLimit(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	for i := 0; i < 10; i++ {
		r.Relationships["≡"] = append(r.Relationships["≡"], hlsf.Edge{Neighbor: hlsf.Token(string(rune('a' + i))), Weight: 0.9 - float64(i)*0.001})
	}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{EdgesPerTypeCap: 10, RelationshipBudget: 4})
	if got := out.TotalRelationships; got > 2 {
		t.Errorf("TotalRelationships = %d, want <= 2 (relationship_budget/2)", got)
	}
}

func TestLimit_OutputValidates(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["≡"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "gamma", Weight: 0.5},
	}
	r.Recompute()
	out := pruner.Limit(r, pruner.Options{EdgesPerTypeCap: 10, RelationshipBudget: hlsf.Infinite})
	if err := out.Validate(); err != nil {
		t.Errorf("Limit output failed Validate: %v", err)
	}
}
