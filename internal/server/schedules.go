package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dojoworks/dojo/internal/protocol"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	specs, err := s.deps.Sched.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var spec protocol.ScheduleSpec
	if err := s.decodeJSON(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.deps.Sched.Put(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sched.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	runID, err := s.deps.Sched.TriggerNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}
