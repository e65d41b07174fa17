package session

import "testing"

func TestFeatures_AllRegistered(t *testing.T) {
	want := []string{
		FeatureCodeChat,
		FeatureMarketResearch,
		FeatureProgressTracker,
		FeatureReleasePrep,
		FeatureScenarioModeler,
	}
	got := Features()
	if len(got) != len(want) {
		t.Fatalf("got %d features, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("features[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGraph_Initial(t *testing.T) {
	for _, feature := range Features() {
		g, ok := Lookup(feature)
		if !ok {
			t.Fatalf("Lookup(%q) not found", feature)
		}
		if g.Initial() != StatusPending {
			t.Errorf("%s: initial = %q, want %q", feature, g.Initial(), StatusPending)
		}
	}
}

func TestGraph_Next(t *testing.T) {
	g, _ := Lookup(FeatureReleasePrep)

	tests := []struct {
		from   Status
		want   Status
		wantOK bool
	}{
		{StatusPending, StatusExtracting, true},
		{StatusExtracting, StatusGeneratingNotes, true},
		{StatusGeneratingNotes, StatusCompleted, true},
		{StatusCompleted, "", false},
		{StatusFailed, "", false},
		{StatusAnalyzing, "", false}, // not part of this feature's graph
	}
	for _, tt := range tests {
		got, ok := g.Next(tt.from)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Next(%q) = (%q, %v), want (%q, %v)", tt.from, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestGraph_CanTransition(t *testing.T) {
	g, _ := Lookup(FeatureMarketResearch)

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAnalyzing, true},
		{StatusAnalyzing, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusAnalyzing, StatusFailed, true},
		{StatusPending, StatusCompleted, false}, // skipping a step
		{StatusCompleted, StatusFailed, false},  // terminal has no exits
		{StatusFailed, StatusPending, false},    // retry is not a graph edge
		{StatusAnalyzing, StatusPending, false}, // no backward moves
	}
	for _, tt := range tests {
		if got := g.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestGraph_Progress(t *testing.T) {
	g, _ := Lookup(FeatureReleasePrep)

	tests := []struct {
		status    Status
		step, tot int
	}{
		{StatusPending, 1, 3},
		{StatusExtracting, 2, 3},
		{StatusGeneratingNotes, 3, 3},
		{StatusCompleted, 3, 3},
		{StatusFailed, 3, 3},
	}
	for _, tt := range tests {
		step, tot := g.Progress(tt.status)
		if step != tt.step || tot != tt.tot {
			t.Errorf("Progress(%q) = %d/%d, want %d/%d", tt.status, step, tot, tt.step, tt.tot)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusAnalyzing, StatusExtracting, StatusGeneratingNotes, StatusModeling} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}
