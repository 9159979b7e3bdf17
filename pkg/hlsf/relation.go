package hlsf

// RelKey identifies one of the 50 canonical relationship glyphs, or one of
// the two distinguished synthetic relations used internally by the Pruner
// and Graph Assembler.
type RelKey string

const (
	// RelHiddenAdjacency is used only by the Graph Assembler's hidden
	// subnet. Weight floor 0.05.
	RelHiddenAdjacency RelKey = "⊚"

	// RelGlobalConnect is the synthetic type the Pruner uses to guarantee
	// reachability from a record to the caller's priority tokens. Weight 0.05.
	RelGlobalConnect RelKey = "∼"

	// RelVariant is the canonical glyph for the "variant" relation, the one
	// glyph the Adjacency Fetcher's Variant Filter inspects.
	RelVariant RelKey = "≈"
)

// Edge is a single weighted out-edge to neighbor, always interpreted under
// whatever RelKey tags the enclosing relationships bucket.
type Edge struct {
	Neighbor Token
	Weight   float64
}
