package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/metrics"
	"github.com/dojoworks/dojo/internal/protocol"
)

// handleLaunchRun submits a training run to the orchestrator.
func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.LaunchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.deps.Orch.Launch(r.Context(), req.RunID, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId":  req.RunID,
		"jobId":  jobID,
		"status": string(protocol.RunPending),
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Orch.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	maxLines := 0
	if raw := r.URL.Query().Get("maxLines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, apperr.Validation("maxLines", "maxLines must be a non-negative integer"))
			return
		}
		maxLines = parsed
	}

	lines, truncated, err := s.deps.Orch.GetLogs(r.Context(), chi.URLParam(r, "id"), maxLines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":     lines,
		"truncated": truncated,
	})
}

// handleCancelRun stops a run. Cancelling an already-finished run is
// acknowledged with the state it actually finished in, not "cancelled".
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := s.deps.Orch.Cancel(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.deps.Orch.GetStatus(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"runId":  runID,
		"status": report.Status,
	})
}

// handleIngestMetric accepts one metric point from a worker. The
// response is sent as soon as the point is durably journaled.
func (s *Server) handleIngestMetric(w http.ResponseWriter, r *http.Request) {
	var point protocol.MetricPoint
	if err := s.decodeJSON(r, &point); err != nil {
		writeError(w, err)
		return
	}
	if point.RunID != chi.URLParam(r, "id") {
		writeError(w, apperr.Validation("runId", "runId does not match path"))
		return
	}
	if err := s.deps.Ingest.IngestMetric(r.Context(), point); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleIngestLogs accepts one log push from a worker.
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	var entry protocol.LogEntry
	if err := s.decodeJSON(r, &entry); err != nil {
		writeError(w, err)
		return
	}
	if entry.RunID != chi.URLParam(r, "id") {
		writeError(w, apperr.Validation("runId", "runId does not match path"))
		return
	}
	if err := s.deps.Ingest.IngestLogs(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleWorkerStatus applies a worker-initiated run status update.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var upd protocol.StatusUpdate
	if err := s.decodeJSON(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	if upd.RunID != chi.URLParam(r, "id") {
		writeError(w, apperr.Validation("runId", "runId does not match path"))
		return
	}
	if err := s.deps.Orch.ApplyStatus(r.Context(), upd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"runId":  upd.RunID,
		"status": upd.Status,
	})
}

// handleRunWatch streams the recent metric tail and then live metric
// points for one run over a WebSocket.
func (s *Server) handleRunWatch(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	for _, point := range s.deps.Ingest.Tail(runID, 100) {
		if err := conn.WriteJSON(protocol.NewEnvelope(protocol.MsgMetricPoint, point)); err != nil {
			return
		}
	}

	live, cancelSub := s.deps.Ingest.Subscribe(runID)
	defer cancelSub()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return
		case point, ok := <-live:
			if !ok {
				return
			}
			if err := conn.WriteJSON(protocol.NewEnvelope(protocol.MsgMetricPoint, point)); err != nil {
				s.closeInternal(conn, err)
				return
			}
		}
	}
}
