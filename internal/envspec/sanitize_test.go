package envspec

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeScrubsIdentifiers(t *testing.T) {
	s := gridSpec()
	s.Agents[0].ID = "a1; rm -rf /"
	s.Name = "grid\x00world\n"
	s.Objects[0].ID = "goal one"

	out := Sanitize(s)
	if out.Agents[0].ID != "a1__rm_-rf__" {
		t.Errorf("agent id = %q", out.Agents[0].ID)
	}
	if out.Name != "gridworld" {
		t.Errorf("name = %q", out.Name)
	}
	if out.Objects[0].ID != "goal_one" {
		t.Errorf("object id = %q", out.Objects[0].ID)
	}
}

func TestSanitizeClampsNumbers(t *testing.T) {
	s := gridSpec()
	s.Agents[0].Position = Vec2{X: math.NaN(), Y: 500}
	s.Objects[0].Position = Vec2{X: -3, Y: math.Inf(1)}
	s.Rules.Rewards[0].Reward = math.Inf(-1)

	out := Sanitize(s)
	if got := out.Agents[0].Position; got.X != 0 || got.Y != 9 {
		t.Errorf("agent position = %+v, want {0 9}", got)
	}
	if got := out.Objects[0].Position; got.X != 0 || got.Y != 0 {
		t.Errorf("object position = %+v, want {0 0}", got)
	}
	if out.Rules.Rewards[0].Reward != 0 {
		t.Errorf("reward = %v, want 0", out.Rules.Rewards[0].Reward)
	}
}

func TestSanitizeTruncatesLists(t *testing.T) {
	s := gridSpec()
	s.Width, s.Height = 200, 200
	for i := 0; i < MaxAgents+20; i++ {
		s.Agents = append(s.Agents, AgentSpec{ID: agentID(i), Position: Vec2{X: 1, Y: 1}})
	}
	for i := 0; i < MaxDiscreteActions+5; i++ {
		s.ActionSpace.Actions = append(s.ActionSpace.Actions, agentID(i))
	}

	out := Sanitize(s)
	if len(out.Agents) != MaxAgents {
		t.Errorf("agents = %d, want %d", len(out.Agents), MaxAgents)
	}
	if len(out.ActionSpace.Actions) != MaxDiscreteActions {
		t.Errorf("actions = %d, want %d", len(out.ActionSpace.Actions), MaxDiscreteActions)
	}
}

func TestSanitizeTruncatesLongStrings(t *testing.T) {
	s := gridSpec()
	s.Name = strings.Repeat("x", MaxStringLen*2)
	out := Sanitize(s)
	if len(out.Name) != MaxStringLen {
		t.Errorf("name length = %d, want %d", len(out.Name), MaxStringLen)
	}
}

func TestSanitizeShrinksOversizedWorld(t *testing.T) {
	s := gridSpec()
	s.Width, s.Height = 5000, 5000 // area 25e6, cap is 1e6

	out := Sanitize(s)
	if out.Width*out.Height > MaxArea {
		t.Errorf("area = %v still over cap", out.Width*out.Height)
	}
	if err := Validate(out); err != nil {
		t.Fatalf("sanitized spec should validate: %v", err)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	s := gridSpec()
	s.Name = "  padded \tname\x07 " + strings.Repeat("é", 200)
	s.Agents[0].ID = "agent/../../etc"
	s.Agents[0].Position = Vec2{X: math.Inf(1), Y: -9}
	s.Rules.Events = []EventRule{{
		ID:   "e?!",
		Name: "weird event",
		Condition: Condition{
			Kind:      CondAgentAtPosition,
			AgentID:   "agent/../../etc",
			Position:  &Vec2{X: 99, Y: math.NaN()},
			Tolerance: math.Inf(1),
		},
	}}

	once := Sanitize(s)
	twice := Sanitize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("sanitize not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	s := gridSpec()
	s.Agents[0].ID = "bad id"
	Sanitize(s)
	if s.Agents[0].ID != "bad id" {
		t.Error("input spec mutated")
	}
}
