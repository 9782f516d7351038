package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/metrics"
	"github.com/dojoworks/dojo/internal/protocol"
	"github.com/dojoworks/dojo/internal/rollout"
)

// streamBuffer bounds the step queue between the rollout producer and
// the socket writer. A consumer that cannot keep up applies backpressure
// to the producer instead of growing memory without limit.
const streamBuffer = 256

// checkOrigin mirrors the CORS allow-list for WebSocket upgrades.
// Requests without an Origin header come from non-browser clients and
// pass; an empty allow-list admits same-origin browsers only.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handleRolloutStream upgrades the socket, waits for one rollout_request
// envelope, and streams every step record in order, terminated by a
// summary envelope. A cancel message or consumer disconnect cancels the
// episode; socket failures close 1011.
func (s *Server) handleRolloutStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, ok := s.awaitRolloutRequest(conn)
	if !ok {
		return
	}
	compiled, pol, err := s.prepare(r, req)
	if err != nil {
		_ = conn.WriteJSON(protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
			Error: err.Error(),
			Code:  "validation_error",
		}))
		return
	}

	// The reader's only job from here on is cancel and ping handling.
	go s.readControlMessages(conn, cancel)

	steps := make(chan rollout.StepRecord, streamBuffer)
	done := make(chan *rollout.Rollout, 1)
	go func() {
		result := s.deps.Engine.Run(ctx, compiled, pol, rollout.Options{
			MaxSteps: req.MaxSteps,
			Seed:     req.Seed,
			OnStep: func(rec rollout.StepRecord) {
				select {
				case steps <- rec:
				case <-ctx.Done():
				}
			},
		})
		close(steps)
		done <- result
	}()

	for rec := range steps {
		if err := conn.WriteJSON(protocol.NewEnvelope(protocol.MsgStep, rec)); err != nil {
			s.closeInternal(conn, err)
			cancel()
			for range steps {
			}
			<-done
			return
		}
	}

	result := <-done
	s.archiveRollout(r, req.EnvSpec, result)
	if err := conn.WriteJSON(protocol.NewEnvelope(protocol.MsgSummary, result)); err != nil {
		s.closeInternal(conn, err)
	}
}

// awaitRolloutRequest reads envelopes until a rollout_request arrives.
func (s *Server) awaitRolloutRequest(conn *websocket.Conn) (protocol.RolloutRequest, bool) {
	for {
		var env struct {
			Type    protocol.MessageType    `json:"type"`
			Payload protocol.RolloutRequest `json:"payload"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			return protocol.RolloutRequest{}, false
		}
		switch env.Type {
		case protocol.MsgRolloutRequest:
			if err := s.validate.Struct(&env.Payload); err != nil {
				_ = conn.WriteJSON(protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
					Error: err.Error(),
					Code:  "validation_error",
				}))
				return protocol.RolloutRequest{}, false
			}
			return env.Payload, true
		case protocol.MsgPing:
			_ = conn.WriteJSON(protocol.NewEnvelope(protocol.MsgPong, nil))
		default:
			// Ignore anything else until the request shows up.
		}
	}
}

// readControlMessages drains the socket for cancel messages, cancelling
// the episode on cancel or read failure (disconnect). Writes stay on
// the streaming goroutine only; pings received mid-stream are dropped.
func (s *Server) readControlMessages(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			cancel()
			return
		}
		if env.Type == protocol.MsgCancel {
			cancel()
			return
		}
	}
}

func (s *Server) closeInternal(conn *websocket.Conn, err error) {
	s.log.Warn("stream write failed", zap.Error(err))
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal server error"),
		time.Now().Add(time.Second),
	)
}
