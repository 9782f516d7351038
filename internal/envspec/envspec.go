// Package envspec defines the declarative environment model: world
// geometry, agents, objects, action spaces, and reward/termination rules.
// Specs arrive as untrusted JSON; StructuralGuard, Validate, and Sanitize
// gate them before the simulator ever sees one.
package envspec

import (
	"encoding/json"
	"fmt"
	"math"
)

// Caps on spec size. StructuralGuard enforces these before full
// validation runs; Sanitize truncates down to them.
const (
	MaxArea            = 1_000_000 // width * height
	MaxObjects         = 10_000
	MaxAgents          = 100
	MaxDiscreteActions = 1_000
	MaxStringLen       = 256
	MaxSensors         = 32
)

// WorldKind selects the world topology.
type WorldKind string

const (
	WorldGrid         WorldKind = "grid"
	WorldContinuous2D WorldKind = "continuous2d"
)

// CoordinateSystem selects how continuous worlds map to coordinates.
type CoordinateSystem string

const (
	CoordGrid      CoordinateSystem = "grid"
	CoordCartesian CoordinateSystem = "cartesian"
	CoordOther     CoordinateSystem = "other"
)

// ObjectType classifies world items. Walls and obstacles block movement;
// goals, traps, and keys drive the sugar conditions.
type ObjectType string

const (
	ObjectWall     ObjectType = "wall"
	ObjectObstacle ObjectType = "obstacle"
	ObjectGoal     ObjectType = "goal"
	ObjectTrap     ObjectType = "trap"
	ObjectKey      ObjectType = "key"
	ObjectDoor     ObjectType = "door"
	ObjectCustom   ObjectType = "custom"
)

// Vec2 is a 2D position. The wire form is a two-element array [x, y].
type Vec2 struct {
	X float64
	Y float64
}

// MarshalJSON encodes a Vec2 as [x, y].
func (v Vec2) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{v.X, v.Y})
}

// UnmarshalJSON decodes [x, y] or {"x": ..., "y": ...}.
func (v *Vec2) UnmarshalJSON(data []byte) error {
	var arr [2]float64
	if err := json.Unmarshal(data, &arr); err == nil {
		v.X, v.Y = arr[0], arr[1]
		return nil
	}
	var obj struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("position must be [x, y] or {x, y}: %w", err)
	}
	v.X, v.Y = obj.X, obj.Y
	return nil
}

// Finite reports whether both components are finite numbers.
func (v Vec2) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

// Dist returns the Euclidean distance to o.
func (v Vec2) Dist(o Vec2) float64 {
	return math.Hypot(v.X-o.X, v.Y-o.Y)
}

// AgentSpec places one agent in the world.
type AgentSpec struct {
	ID       string   `json:"id"`
	Position Vec2     `json:"position"`
	Rotation float64  `json:"rotation,omitempty"`
	Sensors  []string `json:"sensors,omitempty"`
}

// ObjectSpec places one world item.
type ObjectSpec struct {
	ID       string     `json:"id"`
	Type     ObjectType `json:"type"`
	Position Vec2       `json:"position"`
}

// ActionSpaceKind selects discrete or continuous control.
type ActionSpaceKind string

const (
	ActionsDiscrete   ActionSpaceKind = "discrete"
	ActionsContinuous ActionSpaceKind = "continuous"
)

// ActionSpace describes the legal actions for every agent in the spec.
type ActionSpace struct {
	Kind    ActionSpaceKind `json:"kind"`
	Actions []string        `json:"actions,omitempty"`
	Dims    int             `json:"dims,omitempty"`
	Range   [2]float64      `json:"range,omitempty"`
}

// RewardRule emits Reward whenever Condition holds after a step.
type RewardRule struct {
	ID        string    `json:"id"`
	Condition Condition `json:"condition"`
	Reward    float64   `json:"reward"`
}

// TerminationRule ends the episode when Condition holds after a step.
type TerminationRule struct {
	ID        string    `json:"id"`
	Condition Condition `json:"condition"`
}

// EventRule raises a named event when Condition holds; event conditions
// in reward and termination rules can then test for it.
type EventRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Condition Condition `json:"condition"`
}

// Rules bundles the ordered rule lists of a spec.
type Rules struct {
	Rewards      []RewardRule      `json:"rewards"`
	Terminations []TerminationRule `json:"terminations"`
	Events       []EventRule       `json:"events,omitempty"`
}

// EnvSpec is the full declarative environment description. Immutable once
// loaded: consumers share it read-only, and the simulator works from the
// compiled form.
type EnvSpec struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	WorldKind        WorldKind        `json:"worldKind"`
	Width            float64          `json:"width"`
	Height           float64          `json:"height"`
	CoordinateSystem CoordinateSystem `json:"coordinateSystem,omitempty"`
	CellSize         float64          `json:"cellSize,omitempty"`
	Agents           []AgentSpec      `json:"agents"`
	Objects          []ObjectSpec     `json:"objects,omitempty"`
	ActionSpace      ActionSpace      `json:"actionSpace"`
	Rules            Rules            `json:"rules"`
}

// Bounds returns the world box for the spec's coordinate system. Grid
// worlds use [0, w-1] x [0, h-1]; continuous cartesian worlds are centred
// on the origin, all others anchor at zero.
func (s *EnvSpec) Bounds() (minX, minY, maxX, maxY float64) {
	if s.WorldKind == WorldGrid {
		return 0, 0, s.Width - 1, s.Height - 1
	}
	if s.CoordinateSystem == CoordCartesian {
		return -s.Width / 2, -s.Height / 2, s.Width / 2, s.Height / 2
	}
	return 0, 0, s.Width, s.Height
}

// InBounds reports whether p lies inside the world box.
func (s *EnvSpec) InBounds(p Vec2) bool {
	minX, minY, maxX, maxY := s.Bounds()
	return p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY
}

// EffectiveCellSize returns the grid step, defaulting to 1.0.
func (s *EnvSpec) EffectiveCellSize() float64 {
	if s.CellSize > 0 {
		return s.CellSize
	}
	return 1.0
}
