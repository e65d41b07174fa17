package session

import "sort"

// Feature names for the pipelines shipped by the product.
const (
	FeatureMarketResearch  = "market_research"
	FeatureReleasePrep     = "release_prep"
	FeatureProgressTracker = "progress_tracker"
	FeatureCodeChat        = "code_chat"
	FeatureScenarioModeler = "scenario_modeler"
)

// Graph is the fixed status graph for one feature. Steps holds the
// non-terminal states in pipeline order; Steps[0] is the initial state.
// Transitions are monotonic: each step moves to the next one, the last
// step moves to completed, and any non-terminal step may move to failed.
type Graph struct {
	Feature string
	Steps   []Status
}

var graphs = map[string]Graph{
	FeatureMarketResearch: {
		Feature: FeatureMarketResearch,
		Steps:   []Status{StatusPending, StatusAnalyzing},
	},
	FeatureReleasePrep: {
		Feature: FeatureReleasePrep,
		Steps:   []Status{StatusPending, StatusExtracting, StatusGeneratingNotes},
	},
	FeatureProgressTracker: {
		Feature: FeatureProgressTracker,
		Steps:   []Status{StatusPending, StatusAnalyzing},
	},
	FeatureCodeChat: {
		Feature: FeatureCodeChat,
		Steps:   []Status{StatusPending, StatusAnalyzing},
	},
	FeatureScenarioModeler: {
		Feature: FeatureScenarioModeler,
		Steps:   []Status{StatusPending, StatusModeling},
	},
}

// Lookup returns the status graph for a feature.
func Lookup(feature string) (Graph, bool) {
	g, ok := graphs[feature]
	return g, ok
}

// Known reports whether feature names a registered pipeline.
func Known(feature string) bool {
	_, ok := graphs[feature]
	return ok
}

// Features returns all registered feature names in sorted order.
func Features() []string {
	names := make([]string, 0, len(graphs))
	for name := range graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initial returns the state every new session of this feature starts in.
func (g Graph) Initial() Status {
	return g.Steps[0]
}

// Contains reports whether s is a valid status for this feature,
// terminal states included.
func (g Graph) Contains(s Status) bool {
	if IsTerminal(s) {
		return true
	}
	return g.stepIndex(s) >= 0
}

// Next returns the state that follows s in the pipeline order. The last
// step advances to completed. Returns false for terminal or unknown
// states.
func (g Graph) Next(s Status) (Status, bool) {
	i := g.stepIndex(s)
	if i < 0 {
		return "", false
	}
	if i == len(g.Steps)-1 {
		return StatusCompleted, true
	}
	return g.Steps[i+1], true
}

// CanTransition reports whether from → to is a legal move: one step
// forward, or any non-terminal step to failed. Terminal states have no
// outgoing transitions (retry is modeled separately, not as a graph
// edge).
func (g Graph) CanTransition(from, to Status) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StatusFailed {
		return g.stepIndex(from) >= 0
	}
	next, ok := g.Next(from)
	return ok && next == to
}

// Progress returns the 1-based step index of s and the total step
// count, for progress counters on status snapshots. Terminal states
// report total/total.
func (g Graph) Progress(s Status) (step, total int) {
	total = len(g.Steps)
	if IsTerminal(s) {
		return total, total
	}
	if i := g.stepIndex(s); i >= 0 {
		return i + 1, total
	}
	return 0, total
}

func (g Graph) stepIndex(s Status) int {
	for i, step := range g.Steps {
		if step == s {
			return i
		}
	}
	return -1
}
