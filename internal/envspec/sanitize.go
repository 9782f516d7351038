package envspec

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var idCharPattern = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Sanitize returns a normalized deep copy of the spec: ids reduced to a
// safe character set, strings stripped of control runes and truncated,
// list lengths cut down to the caps, and numeric fields clamped into
// range. Sanitizing an already-sanitized spec is a no-op, so callers can
// run it defensively at every boundary.
func Sanitize(s *EnvSpec) *EnvSpec {
	if s == nil {
		return nil
	}
	out := *s

	out.ID = sanitizeID(s.ID)
	out.Name = sanitizeString(s.Name)

	out.Width = clampDim(s.Width, MaxArea)
	out.Height = clampDim(s.Height, MaxArea/out.Width)
	if out.WorldKind == WorldGrid {
		out.Width = math.Floor(out.Width)
		out.Height = math.Floor(out.Height)
		if out.Width < 1 {
			out.Width = 1
		}
		if out.Height < 1 {
			out.Height = 1
		}
	}
	if !finite(s.CellSize) || s.CellSize < 0 {
		out.CellSize = 0
	}

	out.Agents = make([]AgentSpec, 0, min(len(s.Agents), MaxAgents))
	for i := range s.Agents {
		if len(out.Agents) == MaxAgents {
			break
		}
		a := s.Agents[i]
		a.ID = sanitizeID(a.ID)
		a.Position = out.clampPosition(a.Position)
		if !finite(a.Rotation) {
			a.Rotation = 0
		}
		if len(a.Sensors) > MaxSensors {
			a.Sensors = a.Sensors[:MaxSensors]
		}
		sensors := make([]string, len(a.Sensors))
		for j, sn := range a.Sensors {
			sensors[j] = sanitizeString(sn)
		}
		a.Sensors = sensors
		out.Agents = append(out.Agents, a)
	}

	out.Objects = make([]ObjectSpec, 0, min(len(s.Objects), MaxObjects))
	for i := range s.Objects {
		if len(out.Objects) == MaxObjects {
			break
		}
		o := s.Objects[i]
		o.ID = sanitizeID(o.ID)
		o.Position = out.clampPosition(o.Position)
		out.Objects = append(out.Objects, o)
	}

	as := s.ActionSpace
	if len(as.Actions) > MaxDiscreteActions {
		as.Actions = as.Actions[:MaxDiscreteActions]
	}
	actions := make([]string, len(as.Actions))
	for i, name := range as.Actions {
		actions[i] = sanitizeID(name)
	}
	as.Actions = actions
	if !finite(as.Range[0]) {
		as.Range[0] = 0
	}
	if !finite(as.Range[1]) {
		as.Range[1] = 0
	}
	out.ActionSpace = as

	out.Rules = sanitizeRules(&out, &s.Rules)
	return &out
}

func sanitizeRules(s *EnvSpec, r *Rules) Rules {
	var out Rules
	out.Rewards = make([]RewardRule, len(r.Rewards))
	for i, rr := range r.Rewards {
		rr.ID = sanitizeID(rr.ID)
		if !finite(rr.Reward) {
			rr.Reward = 0
		}
		rr.Condition = sanitizeCondition(s, rr.Condition)
		out.Rewards[i] = rr
	}
	out.Terminations = make([]TerminationRule, len(r.Terminations))
	for i, tr := range r.Terminations {
		tr.ID = sanitizeID(tr.ID)
		tr.Condition = sanitizeCondition(s, tr.Condition)
		out.Terminations[i] = tr
	}
	if len(r.Events) > 0 {
		out.Events = make([]EventRule, len(r.Events))
		for i, er := range r.Events {
			er.ID = sanitizeID(er.ID)
			er.Name = sanitizeID(er.Name)
			er.Condition = sanitizeCondition(s, er.Condition)
			out.Events[i] = er
		}
	}
	return out
}

func sanitizeCondition(s *EnvSpec, c Condition) Condition {
	c.AgentID = sanitizeID(c.AgentID)
	c.ObjectID = sanitizeID(c.ObjectID)
	c.Event = sanitizeID(c.Event)
	if c.Position != nil {
		p := s.clampPosition(*c.Position)
		c.Position = &p
	}
	if !finite(c.Tolerance) || c.Tolerance < 0 {
		c.Tolerance = 0
	}
	if !finite(c.Value) {
		c.Value = 0
	}
	if len(c.Children) > 0 {
		children := make([]Condition, len(c.Children))
		for i := range c.Children {
			children[i] = sanitizeCondition(s, c.Children[i])
		}
		c.Children = children
	}
	return c
}

// clampPosition replaces non-finite components with zero and pulls the
// point inside the world box.
func (s *EnvSpec) clampPosition(p Vec2) Vec2 {
	if !finite(p.X) {
		p.X = 0
	}
	if !finite(p.Y) {
		p.Y = 0
	}
	minX, minY, maxX, maxY := s.Bounds()
	p.X = math.Min(math.Max(p.X, minX), maxX)
	p.Y = math.Min(math.Max(p.Y, minY), maxY)
	return p
}

func clampDim(v, limit float64) float64 {
	if !finite(v) || v < 1 {
		return 1
	}
	if v > limit {
		return limit
	}
	return v
}

// sanitizeString strips control runes, trims surrounding space, and
// truncates to MaxStringLen bytes on a rune boundary.
func sanitizeString(in string) string {
	if in == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len()+utf8.RuneLen(r) > MaxStringLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// sanitizeID reduces an identifier to [a-zA-Z0-9_.-], replacing every
// other rune with an underscore.
func sanitizeID(in string) string {
	out := sanitizeString(in)
	if out == "" {
		return ""
	}
	return idCharPattern.ReplaceAllString(out, "_")
}
