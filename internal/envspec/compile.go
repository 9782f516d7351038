package envspec

import (
	"fmt"
	"math"

	"github.com/mitchellh/hashstructure/v2"
)

// cellKey addresses one grid cell in the blocking index.
type cellKey struct {
	X int
	Y int
}

// Compiled is the immutable, indexed form of a validated spec. One
// Compiled serves any number of concurrent episodes; it holds no
// per-episode state.
type Compiled struct {
	Spec *EnvSpec
	Hash string

	// AgentIndex maps agent id to its slot in Spec.Agents.
	AgentIndex map[string]int

	// ObjectIndex maps object id to its slot in Spec.Objects.
	ObjectIndex map[string]int

	// ByType groups object slots by type, preserving spec order.
	ByType map[ObjectType][]int

	// blocked indexes wall and obstacle cells for grid worlds. Continuous
	// worlds scan Blocking linearly instead.
	blocked  map[cellKey]struct{}
	Blocking []int

	// Goals lists the slots of goal objects, used by the reach_goal sugar
	// and the automatic goal termination.
	Goals []int

	// ActionIndex maps discrete action names to their slot.
	ActionIndex map[string]int
}

// Compile validates nothing: it assumes Validate passed and builds the
// lookup structures the simulator needs on its hot path.
func Compile(s *EnvSpec) (*Compiled, error) {
	h, err := SpecHash(s)
	if err != nil {
		return nil, err
	}
	c := &Compiled{
		Spec:        s,
		Hash:        h,
		AgentIndex:  make(map[string]int, len(s.Agents)),
		ObjectIndex: make(map[string]int, len(s.Objects)),
		ByType:      make(map[ObjectType][]int),
		ActionIndex: make(map[string]int, len(s.ActionSpace.Actions)),
	}
	for i := range s.Agents {
		c.AgentIndex[s.Agents[i].ID] = i
	}
	for i := range s.Objects {
		o := &s.Objects[i]
		c.ObjectIndex[o.ID] = i
		c.ByType[o.Type] = append(c.ByType[o.Type], i)
		switch o.Type {
		case ObjectWall, ObjectObstacle:
			c.Blocking = append(c.Blocking, i)
		case ObjectGoal:
			c.Goals = append(c.Goals, i)
		}
	}
	if s.WorldKind == WorldGrid {
		c.blocked = make(map[cellKey]struct{}, len(c.Blocking))
		for _, i := range c.Blocking {
			p := s.Objects[i].Position
			c.blocked[cellKey{int(math.Round(p.X)), int(math.Round(p.Y))}] = struct{}{}
		}
	}
	for i, name := range s.ActionSpace.Actions {
		c.ActionIndex[name] = i
	}
	return c, nil
}

// CellBlocked reports whether the grid cell containing p holds a wall or
// obstacle. Always false for continuous worlds.
func (c *Compiled) CellBlocked(p Vec2) bool {
	if c.blocked == nil {
		return false
	}
	_, ok := c.blocked[cellKey{int(math.Round(p.X)), int(math.Round(p.Y))}]
	return ok
}

// NearBlocking reports whether p is strictly within radius of any wall
// or obstacle. Used for continuous collision checks.
func (c *Compiled) NearBlocking(p Vec2, radius float64) bool {
	for _, i := range c.Blocking {
		if p.Dist(c.Spec.Objects[i].Position) < radius {
			return true
		}
	}
	return false
}

// SpecHash returns a stable content hash of the spec, independent of
// field ordering in the source JSON. Identical specs always hash alike,
// so the hash doubles as a cache and dedup key.
func SpecHash(s *EnvSpec) (string, error) {
	h, err := hashstructure.Hash(s, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing spec: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}
