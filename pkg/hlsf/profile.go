package hlsf

// Infinite is the sentinel value used wherever a budget field
// (MaxRelationships, AdjacencyEdgesPerLevel) allows "uncapped": negative
// means uncapped.
const Infinite = -1

// PerformanceProfile holds the runtime-tunable budgets shared across the
// Pruner, Recursive Expander, and Command Dispatcher. CD is the only
// mutator; every other component borrows it immutably.
type PerformanceProfile struct {
	BranchingFactor         int
	MaxNodes                int
	MaxEdges                int
	MaxRelationships        int // Infinite (-1) = unbounded
	MaxRelationTypes        int
	PruneWeightThreshold    float64
	AdjacencyRecursionDepth int
	AdjacencyEdgesPerLevel  int // Infinite (-1) = pruned by budget only
	AdjacencySpawnLimit     int
	HiddenAdjacencyDegree   int
	HiddenAdjacencyDepth    int
	HiddenAdjacencyCap      int
	RemoteChunkConcurrency  int
}

// MaxRecursionDepth is the hard ceiling on AdjacencyRecursionDepth.
const MaxRecursionDepth = 8

// ResolveBudget returns n unless n is Infinite, in which case it returns
// the supplied fallback cap.
func ResolveBudget(n, fallback int) int {
	if n < 0 {
		return fallback
	}
	return n
}
