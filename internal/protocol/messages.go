// Package protocol defines the wire types the studio speaks: request
// and response shapes shared with training workers, and the WebSocket
// envelope used by the streaming endpoints. Server and clients import
// this package so both sides agree on shapes.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/dojoworks/dojo/internal/envspec"
)

// MessageType identifies the kind of message on the WebSocket wire.
type MessageType string

const (
	// Client → Server
	MsgRolloutRequest MessageType = "rollout_request"
	MsgCancel         MessageType = "cancel"
	MsgPing           MessageType = "ping"

	// Server → Client
	MsgStep         MessageType = "step"
	MsgSummary      MessageType = "summary"
	MsgMetricPoint  MessageType = "metric_point"
	MsgLogLine      MessageType = "log"
	MsgStatusUpdate MessageType = "status_update"
	MsgError        MessageType = "error"
	MsgPong         MessageType = "pong"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewEnvelope stamps a payload with a fresh id and the current time.
func NewEnvelope(t MessageType, payload any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// RolloutRequest asks for one episode. The same shape starts a
// WebSocket stream.
type RolloutRequest struct {
	EnvSpec  *envspec.EnvSpec `json:"envSpec" validate:"required"`
	Policy   string           `json:"policy" validate:"required,oneof=random greedy trained_model"`
	MaxSteps int              `json:"maxSteps,omitempty" validate:"omitempty,min=1,max=10000"`
	Seed     int64            `json:"seed,omitempty"`
	RunID    string           `json:"runId,omitempty"`
	ModelURL string           `json:"modelUrl,omitempty"`
}

// BatchRequest asks for a batch of episodes over the worker pool or the
// vectorized driver.
type BatchRequest struct {
	RolloutRequest
	Count      int  `json:"count" validate:"required,min=1,max=1024"`
	Workers    int  `json:"workers,omitempty" validate:"omitempty,min=1,max=256"`
	Vectorized bool `json:"vectorized,omitempty"`
}

// RunConfig describes one training workload.
type RunConfig struct {
	Algorithm       string            `json:"algorithm" validate:"required,oneof=ppo dqn a2c sac"`
	EnvID           string            `json:"envId,omitempty"`
	Timesteps       int               `json:"timesteps,omitempty" validate:"omitempty,min=1"`
	Accelerator     string            `json:"accelerator,omitempty"`
	UseSpot         bool              `json:"useSpot,omitempty"`
	MaxRestarts     int               `json:"maxRestarts,omitempty" validate:"omitempty,min=0,max=10"`
	AutostopMinutes int               `json:"autostopMinutes,omitempty" validate:"omitempty,min=0"`
	MetricsInterval int               `json:"metricsIntervalSeconds,omitempty" validate:"omitempty,min=1"`
	Workdir         string            `json:"workdir,omitempty"`
	Envs            map[string]string `json:"envs,omitempty"`
}

// LaunchRequest submits a training run to the orchestrator.
type LaunchRequest struct {
	RunID  string    `json:"runId" validate:"required"`
	Config RunConfig `json:"config" validate:"required"`
}

// ScheduleSpec is a stored RunConfig template launched on a schedule.
// Schedule is either a cron expression or a Go duration string.
type ScheduleSpec struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name" validate:"required"`
	Schedule  string    `json:"schedule" validate:"required"`
	Config    RunConfig `json:"config" validate:"required"`
	Suspended bool      `json:"suspended,omitempty"`
}

// MetricPoint is one training metric sample pushed by a worker.
// Optional signals are pointers so absent and zero are distinguishable.
type MetricPoint struct {
	RunID     string   `json:"runId" validate:"required"`
	Step      int      `json:"step" validate:"min=0"`
	Reward    float64  `json:"reward"`
	Loss      *float64 `json:"loss,omitempty"`
	Entropy   *float64 `json:"entropy,omitempty"`
	ValueLoss *float64 `json:"valueLoss,omitempty"`
	TDError   *float64 `json:"tdError,omitempty"`
	GradNorm  *float64 `json:"gradNorm,omitempty"`
	KL        *float64 `json:"kl,omitempty"`
}

// LogEntry is one log push from a worker. Message may span many lines;
// oversized bodies are truncated server-side.
type LogEntry struct {
	RunID    string            `json:"runId" validate:"required"`
	Level    string            `json:"logLevel,omitempty"`
	Message  string            `json:"message" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusUpdate is a worker- or orchestrator-initiated run status
// change. Progress is a fraction in [0, 1].
type StatusUpdate struct {
	RunID    string   `json:"runId" validate:"required"`
	Status   string   `json:"status" validate:"required,oneof=pending running succeeded failed cancelled"`
	Progress *float64 `json:"progress,omitempty" validate:"omitempty,min=0,max=1"`
	Message  string   `json:"message,omitempty"`
}

// ErrorPayload is the error body every surface returns, REST and
// WebSocket alike.
type ErrorPayload struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
