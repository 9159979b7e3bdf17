package hlsf_test

import (
	"testing"
	"time"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

func TestAdjacencyRecord_ValidateOrdering(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["∼"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "gamma", Weight: 0.5},
	}
	r.Recompute()
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdjacencyRecord_ValidateRejectsNonMonotonic(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["∼"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.5},
		{Neighbor: "gamma", Weight: 0.9},
	}
	r.Recompute()
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for non-monotonic weights")
	}
}

func TestAdjacencyRecord_ValidateRejectsDuplicateNeighbor(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["∼"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "beta", Weight: 0.5},
	}
	r.Recompute()
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for duplicate neighbor")
	}
}

func TestAdjacencyRecord_ValidateRejectsTotalMismatch(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9}}
	r.TotalRelationships = 2
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for total_relationships mismatch")
	}
}

func TestAdjacencyRecord_SortBuckets(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["∼"] = []hlsf.Edge{
		{Neighbor: "zeta", Weight: 0.9},
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "gamma", Weight: 0.95},
	}
	r.SortBuckets()
	edges := r.Relationships["∼"]
	if len(edges) != 3 {
		t.Fatalf("len(edges) = %d, want 3", len(edges))
	}
	want := []hlsf.Token{"gamma", "beta", "zeta"}
	for i, w := range want {
		if edges[i].Neighbor != w {
			t.Errorf("edges[%d].Neighbor = %q, want %q", i, edges[i].Neighbor, w)
		}
	}
}

func TestAdjacencyRecord_Clone(t *testing.T) {
	r := hlsf.NewRecord("alpha")
	r.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9}}
	r.CachedAt = time.Now()
	cp := r.Clone()
	cp.Relationships["∼"][0].Weight = 0.1
	if r.Relationships["∼"][0].Weight != 0.9 {
		t.Error("Clone did not deep-copy relationship edges")
	}
}

func TestGrew_NewEdgeDetected(t *testing.T) {
	old := hlsf.NewRecord("alpha")
	old.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9}}

	next := hlsf.NewRecord("alpha")
	next.Relationships["∼"] = []hlsf.Edge{
		{Neighbor: "beta", Weight: 0.9},
		{Neighbor: "gamma", Weight: 0.5},
	}
	if !hlsf.Grew(old, next, hlsf.GrowthEpsilon) {
		t.Error("expected growth to be detected for a new edge")
	}
}

func TestGrew_WeightIncreaseAboveEpsilon(t *testing.T) {
	old := hlsf.NewRecord("alpha")
	old.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9}}

	next := hlsf.NewRecord("alpha")
	next.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9001}}
	if !hlsf.Grew(old, next, hlsf.GrowthEpsilon) {
		t.Error("expected growth for weight increase above epsilon")
	}
}

func TestGrew_NoGrowthWithinEpsilon(t *testing.T) {
	old := hlsf.NewRecord("alpha")
	old.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9}}

	next := hlsf.NewRecord("alpha")
	next.Relationships["∼"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9000001}}
	if hlsf.Grew(old, next, hlsf.GrowthEpsilon) {
		t.Error("expected no growth within epsilon")
	}
}

func TestToken_Prefix(t *testing.T) {
	cases := map[hlsf.Token]string{
		"alpha":  "a",
		"7token": "7",
		"Über":   "_",
		"":       "_",
	}
	for tok, want := range cases {
		if got := tok.Prefix(); got != want {
			t.Errorf("Token(%q).Prefix() = %q, want %q", tok, got, want)
		}
	}
}

func TestCoreError_Unwrap(t *testing.T) {
	inner := hlsf.NewCoreError(hlsf.KindParseFailed, "bad json")
	wrapped := hlsf.WrapCoreError(hlsf.KindParseFailed, "outer", inner)
	if !hlsf.IsKind(inner, hlsf.KindParseFailed) {
		t.Error("IsKind should match inner error kind")
	}
	if wrapped.Unwrap() != inner {
		t.Error("Unwrap should return the wrapped cause")
	}
}
