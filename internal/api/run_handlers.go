package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

type startRunRequest struct {
	Trigger    string `json:"trigger"`
	ScheduleID string `json:"schedule_id"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")
	userID := requestUser(r)
	if userID == "" {
		writeError(s.logger, w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	req := startRunRequest{Trigger: string(robot.TriggerAPI)}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	trigger, ok := parseTrigger(req.Trigger)
	if !ok {
		writeError(s.logger, w, http.StatusBadRequest, "unknown trigger kind")
		return
	}

	run, err := s.orch.Start(r.Context(), robotID, userID, trigger, req.ScheduleID)
	if err != nil {
		if errors.Is(err, robot.ErrRobotNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "robot not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.Result(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": result.Run})
}

func (s *Server) getRunResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.Result(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Abort(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		switch {
		case errors.Is(err, robot.ErrRunNotFound):
			writeError(s.logger, w, http.StatusNotFound, "run not found")
		case errors.Is(err, robot.ErrIllegalTransition):
			writeError(s.logger, w, http.StatusConflict, err.Error())
		default:
			writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) retryRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Retry(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		if errors.Is(err, robot.ErrRunNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "run not found")
			return
		}
		writeError(s.logger, w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"run": run})
}

func requestUser(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func parseTrigger(s string) (robot.TriggerKind, bool) {
	switch robot.TriggerKind(s) {
	case robot.TriggerManual, robot.TriggerAPI, robot.TriggerSDK, robot.TriggerSchedule:
		return robot.TriggerKind(s), true
	default:
		return "", false
	}
}

func newRequestID() string {
	return uuid.NewString()
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
