package selector

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/davidkimai/godel-sub016/internal/agent"
)

type staticDirectory []*agent.Agent

func (d staticDirectory) Healthy() []*agent.Agent { return d }

func makeAgent(id string, caps agent.Capabilities, load float64) *agent.Agent {
	return &agent.Agent{
		ID:           id,
		Runtime:      agent.RuntimeLocal,
		Capabilities: caps,
		Status:       agent.StatusIdle,
		CurrentLoad:  load,
	}
}

func newSelector(t *testing.T, dir Directory) *Selector {
	t.Helper()
	return New(dir, Options{Logger: zaptest.NewLogger(t)})
}

func TestSkillMatchPrefersCoverage(t *testing.T) {
	dir := staticDirectory{
		makeAgent("a1", agent.Capabilities{Skills: []string{"go"}}, 0),
		makeAgent("a2", agent.Capabilities{Skills: []string{"go", "sql"}}, 0),
	}
	s := newSelector(t, dir)

	sel, err := s.SelectAgent(Criteria{
		RequiredSkills:  []string{"go"},
		PreferredSkills: []string{"sql"},
		Strategy:        StrategySkillMatch,
	})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if sel.Agent.ID != "a2" {
		t.Errorf("Expected a2 (preferred skill present), got %s", sel.Agent.ID)
	}
	if sel.Score != 1.0 {
		t.Errorf("Perfect required+preferred match should score 1.0, got %v", sel.Score)
	}
	if sel.CandidatesConsidered != 2 {
		t.Errorf("Expected 2 candidates considered, got %d", sel.CandidatesConsidered)
	}
}

func TestSkillMatchPerfectMatchFloor(t *testing.T) {
	dir := staticDirectory{
		makeAgent("a1", agent.Capabilities{Skills: []string{"go", "sql"}}, 0),
	}
	s := newSelector(t, dir)

	// Perfect required match with no preferred skills floors at 0.9.
	sel, err := s.SelectAgent(Criteria{
		RequiredSkills: []string{"go", "sql"},
		Strategy:       StrategySkillMatch,
	})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if sel.Score != 0.9 {
		t.Errorf("Expected floor score 0.9, got %v", sel.Score)
	}
}

func TestCostOptimizedPrefersCheap(t *testing.T) {
	dir := staticDirectory{
		makeAgent("pricey", agent.Capabilities{Skills: []string{"go"}, CostPerHour: 50}, 0),
		makeAgent("cheap", agent.Capabilities{Skills: []string{"go"}, CostPerHour: 1}, 0),
	}
	s := newSelector(t, dir)

	sel, err := s.SelectAgent(Criteria{
		RequiredSkills: []string{"go"},
		Strategy:       StrategyCostOptimized,
	})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if sel.Agent.ID != "cheap" {
		t.Errorf("Expected cheap agent, got %s", sel.Agent.ID)
	}
	want := math.Exp(-1.0 / 10)
	if math.Abs(sel.Breakdown.Cost-want) > 1e-9 {
		t.Errorf("Cost score = %v, want %v", sel.Breakdown.Cost, want)
	}
}

func TestSpeedOptimizedNormalizesByMax(t *testing.T) {
	dir := staticDirectory{
		makeAgent("slow", agent.Capabilities{AvgSpeed: 5}, 0),
		makeAgent("fast", agent.Capabilities{AvgSpeed: 10}, 0),
	}
	s := newSelector(t, dir)

	ranked, err := s.RankAgents(Criteria{Strategy: StrategySpeedOptimized})
	if err != nil {
		t.Fatalf("RankAgents: %v", err)
	}
	if ranked[0].Agent.ID != "fast" {
		t.Errorf("Expected fast first, got %s", ranked[0].Agent.ID)
	}
	if ranked[0].Breakdown.Speed != 1.0 {
		t.Errorf("Fastest candidate speed score = %v, want 1.0", ranked[0].Breakdown.Speed)
	}
	if ranked[1].Breakdown.Speed != 0.5 {
		t.Errorf("Half-speed candidate score = %v, want 0.5", ranked[1].Breakdown.Speed)
	}
}

func TestReliabilityOptimized(t *testing.T) {
	dir := staticDirectory{
		makeAgent("flaky", agent.Capabilities{Reliability: 0.5}, 0),
		makeAgent("solid", agent.Capabilities{Reliability: 0.99}, 0),
	}
	s := newSelector(t, dir)

	sel, err := s.SelectAgent(Criteria{Strategy: StrategyReliabilityOptimized})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if sel.Agent.ID != "solid" {
		t.Errorf("Expected solid, got %s", sel.Agent.ID)
	}
}

func TestLoadBalancedPenalizesRecentSelection(t *testing.T) {
	dir := staticDirectory{
		makeAgent("a1", agent.Capabilities{}, 0),
		makeAgent("a2", agent.Capabilities{}, 0),
	}
	s := newSelector(t, dir)

	first, err := s.SelectAgent(Criteria{Strategy: StrategyLoadBalanced})
	if err != nil {
		t.Fatalf("first SelectAgent: %v", err)
	}
	second, err := s.SelectAgent(Criteria{Strategy: StrategyLoadBalanced})
	if err != nil {
		t.Fatalf("second SelectAgent: %v", err)
	}
	if first.Agent.ID == second.Agent.ID {
		t.Errorf("Back-to-back selections should rotate, got %s twice", first.Agent.ID)
	}
}

func TestLoadBalancedRecencyExpires(t *testing.T) {
	dir := staticDirectory{
		makeAgent("a1", agent.Capabilities{}, 0),
		makeAgent("a2", agent.Capabilities{}, 0.4),
	}
	s := newSelector(t, dir)
	current := time.Now()
	s.now = func() time.Time { return current }

	first, err := s.SelectAgent(Criteria{Strategy: StrategyLoadBalanced})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if first.Agent.ID != "a1" {
		t.Fatalf("Expected the idle agent first, got %s", first.Agent.ID)
	}

	// Once the recency window passes, the idle agent wins again despite
	// having been picked before.
	current = current.Add(DefaultRecencyWindow + time.Second)
	s.rotation = 0
	again, err := s.SelectAgent(Criteria{Strategy: StrategyLoadBalanced})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if again.Agent.ID != "a1" {
		t.Errorf("Expired recency should not penalize, got %s", again.Agent.ID)
	}
}

func TestBalancedUsesConfiguredWeights(t *testing.T) {
	dir := staticDirectory{
		makeAgent("loaded", agent.Capabilities{Skills: []string{"go"}, Reliability: 1}, 0.9),
		makeAgent("idle", agent.Capabilities{Skills: []string{"go"}, Reliability: 1}, 0.1),
	}
	s := New(dir, Options{
		Weights: Weights{Load: 1}, // only load matters
		Logger:  zaptest.NewLogger(t),
	})

	sel, err := s.SelectAgent(Criteria{RequiredSkills: []string{"go"}})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if sel.Agent.ID != "idle" {
		t.Errorf("Load-only weights should pick the idle agent, got %s", sel.Agent.ID)
	}
	if sel.Strategy != StrategyBalanced {
		t.Errorf("Empty strategy should default to balanced, got %s", sel.Strategy)
	}
}

func TestHardConstraints(t *testing.T) {
	dir := staticDirectory{
		makeAgent("a1", agent.Capabilities{
			Skills:      []string{"go", "sql"},
			Specialties: []string{"backend"},
			Languages:   []string{"en"},
			CostPerHour: 20,
			Reliability: 0.8,
			AvgSpeed:    5,
		}, 0),
	}
	s := newSelector(t, dir)

	cases := []struct {
		name     string
		criteria Criteria
		match    bool
	}{
		{"missing required skill", Criteria{RequiredSkills: []string{"rust"}}, false},
		{"missing specialty", Criteria{Specialties: []string{"frontend"}}, false},
		{"missing language", Criteria{Languages: []string{"fr"}}, false},
		{"too expensive", Criteria{MaxCostPerHour: 10}, false},
		{"not reliable enough", Criteria{MinReliability: 0.9}, false},
		{"too slow", Criteria{MinSpeed: 10}, false},
		{"wrong runtime", Criteria{PreferredRuntime: agent.RuntimeContainer}, false},
		{"all satisfied", Criteria{
			RequiredSkills:   []string{"go"},
			Specialties:      []string{"backend"},
			Languages:        []string{"en"},
			MaxCostPerHour:   20,
			MinReliability:   0.8,
			MinSpeed:         5,
			PreferredRuntime: agent.RuntimeLocal,
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.SelectAgent(tc.criteria)
			if tc.match && err != nil {
				t.Errorf("Expected a match, got %v", err)
			}
			if !tc.match {
				var selErr *SelectionError
				if !errors.As(err, &selErr) || selErr.Code != CodeNoMatchingAgents {
					t.Errorf("Expected NO_MATCHING_AGENTS, got %v", err)
				}
			}
		})
	}
}

func TestSelectionErrorCodes(t *testing.T) {
	t.Run("no candidates", func(t *testing.T) {
		s := newSelector(t, staticDirectory{})
		_, err := s.SelectAgent(Criteria{})
		assertCode(t, err, CodeNoCandidates)
	})

	t.Run("invalid strategy", func(t *testing.T) {
		s := newSelector(t, staticDirectory{makeAgent("a1", agent.Capabilities{}, 0)})
		_, err := s.SelectAgent(Criteria{Strategy: "psychic"})
		assertCode(t, err, CodeInvalidStrategy)
	})

	t.Run("invalid count", func(t *testing.T) {
		s := newSelector(t, staticDirectory{makeAgent("a1", agent.Capabilities{}, 0)})
		_, err := s.SelectMultiple(Criteria{}, 0)
		assertCode(t, err, CodeInvalidCount)
	})

	t.Run("insufficient agents", func(t *testing.T) {
		s := newSelector(t, staticDirectory{makeAgent("a1", agent.Capabilities{}, 0)})
		_, err := s.SelectMultiple(Criteria{}, 2)
		assertCode(t, err, CodeInsufficientAgents)
	})
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var selErr *SelectionError
	if !errors.As(err, &selErr) {
		t.Fatalf("Expected SelectionError, got %v", err)
	}
	if selErr.Code != code {
		t.Errorf("Expected code %s, got %s", code, selErr.Code)
	}
}

func TestSelectMultipleReturnsTopN(t *testing.T) {
	dir := staticDirectory{
		makeAgent("low", agent.Capabilities{Reliability: 0.2}, 0),
		makeAgent("mid", agent.Capabilities{Reliability: 0.6}, 0),
		makeAgent("high", agent.Capabilities{Reliability: 0.95}, 0),
	}
	s := newSelector(t, dir)

	picks, err := s.SelectMultiple(Criteria{Strategy: StrategyReliabilityOptimized}, 2)
	if err != nil {
		t.Fatalf("SelectMultiple: %v", err)
	}
	if len(picks) != 2 {
		t.Fatalf("Expected 2 picks, got %d", len(picks))
	}
	if picks[0].Agent.ID != "high" || picks[1].Agent.ID != "mid" {
		t.Errorf("Expected [high mid], got [%s %s]", picks[0].Agent.ID, picks[1].Agent.ID)
	}
}

func TestRankAgentsIsReadOnly(t *testing.T) {
	dir := staticDirectory{
		makeAgent("a1", agent.Capabilities{}, 0),
		makeAgent("a2", agent.Capabilities{}, 0),
	}
	s := newSelector(t, dir)

	for i := 0; i < 3; i++ {
		if _, err := s.RankAgents(Criteria{Strategy: StrategyLoadBalanced}); err != nil {
			t.Fatalf("RankAgents: %v", err)
		}
	}
	if s.rotation != 0 {
		t.Errorf("RankAgents must not advance rotation, cursor = %d", s.rotation)
	}
	if len(s.recent) != 0 {
		t.Errorf("RankAgents must not record recency, got %d entries", len(s.recent))
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	dir := staticDirectory{
		makeAgent("b", agent.Capabilities{Reliability: 0.5}, 0),
		makeAgent("a", agent.Capabilities{Reliability: 0.5}, 0),
	}
	s := newSelector(t, dir)

	for i := 0; i < 5; i++ {
		ranked, err := s.RankAgents(Criteria{Strategy: StrategyReliabilityOptimized})
		if err != nil {
			t.Fatalf("RankAgents: %v", err)
		}
		if ranked[0].Agent.ID != "a" {
			t.Fatalf("Equal scores must order by id, got %s first", ranked[0].Agent.ID)
		}
	}
}
