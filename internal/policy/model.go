package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/sim"
)

// ModelFormat is the serialization format tag every model document must
// carry.
const ModelFormat = "dojo-policy/v1"

// modelTTL is how long fetched models stay cached.
const modelTTL = time.Hour

// Model is the serialized policy document: a linear head over the
// observation features, plus metadata the loader uses to classify the
// algorithm family.
type Model struct {
	Format    string `json:"format"`
	Algorithm string `json:"algorithm"`
	// Weights is row-major: one row per output (action logit or control
	// dimension), one column per observation feature.
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias,omitempty"`
	// Actions optionally overrides the spec's discrete action names.
	Actions []string `json:"actions,omitempty"`
}

// Family buckets algorithms by how their outputs are interpreted.
func (m *Model) Family() string {
	switch m.Algorithm {
	case "dqn", "ddqn", "dueling_dqn":
		return "value_based"
	case "ppo", "a2c", "a3c", "reinforce":
		return "policy_gradient"
	case "sac", "td3", "ddpg":
		return "actor_critic"
	default:
		return "unknown"
	}
}

// FetchFunc retrieves raw model bytes from a URL or blob key.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// ResolveFunc maps a runId to the URL of its latest checkpoint.
type ResolveFunc func(ctx context.Context, runID string) (string, error)

// Loader fetches, parses, and caches trained models. Cached entries
// expire after an hour; refetching is the caller's concern after that.
type Loader struct {
	fetch   FetchFunc
	resolve ResolveFunc
	cache   *gocache.Cache
	log     *zap.Logger
}

// NewLoader builds a Loader. resolve may be nil when runId lookups are
// not needed.
func NewLoader(fetch FetchFunc, resolve ResolveFunc, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		fetch:   fetch,
		resolve: resolve,
		cache:   gocache.New(modelTTL, 10*time.Minute),
		log:     log,
	}
}

// Load resolves the model reference, fetches and parses the document,
// and returns a ready policy. Repeated loads of the same URL hit the
// cache.
func (l *Loader) Load(ctx context.Context, ps Spec) (Policy, error) {
	url := ps.ModelURL
	if url == "" {
		if l.resolve == nil {
			return nil, apperr.Validation("policy.runId", "no checkpoint resolver configured")
		}
		resolved, err := l.resolve(ctx, ps.RunID)
		if err != nil {
			return nil, err
		}
		url = resolved
	}

	if hit, ok := l.cache.Get(url); ok {
		return hit.(*Trained), nil
	}

	raw, err := l.fetch(ctx, url)
	if err != nil {
		return nil, apperr.External("model-store", err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Validation("policy.model", fmt.Sprintf("invalid model document: %v", err))
	}
	if m.Format != ModelFormat {
		return nil, apperr.Validation("policy.model", fmt.Sprintf("unsupported model format %q", m.Format))
	}
	if len(m.Weights) == 0 {
		return nil, apperr.Validation("policy.model", "model has no weights")
	}
	width := len(m.Weights[0])
	for _, row := range m.Weights {
		if len(row) != width {
			return nil, apperr.Validation("policy.model", "ragged weight matrix")
		}
	}

	t := &Trained{model: &m, url: url}
	l.cache.Set(url, t, gocache.DefaultExpiration)
	l.log.Debug("model loaded",
		zap.String("url", url),
		zap.String("algorithm", m.Algorithm),
		zap.String("family", m.Family()),
		zap.Int("outputs", len(m.Weights)))
	return t, nil
}

// Invalidate drops a cached model, forcing the next Load to refetch.
func (l *Loader) Invalidate(url string) { l.cache.Delete(url) }

// Trained runs a loaded model: observation features in, one linear head
// out, mapped onto the spec's action space.
type Trained struct {
	model *Model
	url   string
}

func (t *Trained) Name() string { return string(KindTrained) + ":" + t.url }

func (t *Trained) Select(c *envspec.Compiled, st *sim.State, _ *rand.Rand) ([]sim.Action, error) {
	out := make([]sim.Action, len(st.Agents))
	for i := range st.Agents {
		obs := Observe(c, st, i)
		logits, err := t.forward(obs)
		if err != nil {
			return nil, err
		}
		switch c.Spec.ActionSpace.Kind {
		case envspec.ActionsDiscrete:
			names := t.model.Actions
			if len(names) == 0 {
				names = c.Spec.ActionSpace.Actions
			}
			best := argmax(logits)
			if best >= len(names) {
				return nil, apperr.Rollout(fmt.Sprintf("model output %d outside action set of %d", best, len(names)))
			}
			out[i] = sim.Action{AgentID: st.Agents[i].ID, Name: names[best]}
		case envspec.ActionsContinuous:
			vec := make([]float64, len(logits))
			for d, v := range logits {
				vec[d] = math.Max(-1, math.Min(1, v))
			}
			out[i] = sim.Action{AgentID: st.Agents[i].ID, Vector: vec}
		}
	}
	return out, nil
}

func (t *Trained) forward(obs []float64) ([]float64, error) {
	m := t.model
	if len(m.Weights[0]) != len(obs) {
		return nil, apperr.Rollout(fmt.Sprintf("model expects %d features, observation has %d", len(m.Weights[0]), len(obs)))
	}
	out := make([]float64, len(m.Weights))
	for r, row := range m.Weights {
		var sum float64
		for f, w := range row {
			sum += w * obs[f]
		}
		if r < len(m.Bias) {
			sum += m.Bias[r]
		}
		out[r] = sum
	}
	return out, nil
}

// ObservationDim is the feature count Observe produces per agent.
const ObservationDim = 4

// Observe builds the feature vector for one agent: position and the
// delta to the nearest goal, each normalized by the world dimensions.
func Observe(c *envspec.Compiled, st *sim.State, agentIdx int) []float64 {
	a := &st.Agents[agentIdx]
	w, h := c.Spec.Width, c.Spec.Height
	obs := []float64{a.Position.X / w, a.Position.Y / h, 0, 0}
	if goal, ok := nearestGoal(c, st, a.Position); ok {
		obs[2] = (goal.X - a.Position.X) / w
		obs[3] = (goal.Y - a.Position.Y) / h
	}
	return obs
}

func argmax(v []float64) int {
	best, bestVal := 0, math.Inf(-1)
	for i, x := range v {
		if x > bestVal {
			best, bestVal = i, x
		}
	}
	return best
}
