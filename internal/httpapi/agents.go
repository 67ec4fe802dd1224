package httpapi

import (
	"errors"
	"net/http"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/auth"
	"github.com/davidkimai/godel-sub016/internal/quota"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.opts.Agents.Directory().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// handleRegisterAgent admits and registers one agent. Quota denials come
// back as 429 with the structured decision attached. An unset owner
// defaults to the authenticated caller so admission bills the right
// principal.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var cfg agent.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.Owner == "" {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			cfg.Owner = p.UserID
		}
	}

	a, err := s.opts.Agents.RegisterAgent(r.Context(), cfg)
	if err != nil {
		var violation *quota.ViolationError
		switch {
		case errors.As(err, &violation):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":    violation.Error(),
				"decision": violation.Decision,
			})
		case errors.Is(err, agent.ErrAgentExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.opts.Agents.Directory().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAgentState returns the machine's current state, transition history
// and aggregate stats.
func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	state, err := s.opts.Agents.GetAgentState(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	history, _ := s.opts.Agents.GetAgentStateHistory(id)
	stats, _ := s.opts.Agents.GetAgentStats(id)

	writeJSON(w, http.StatusOK, map[string]any{
		"agentId": id,
		"state":   state,
		"history": history,
		"stats":   stats,
	})
}

type pauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// transitionError maps registry transition failures onto status codes:
// unknown agents are 404, everything else is a state conflict.
func transitionError(w http.ResponseWriter, err error) {
	if errors.Is(err, agent.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}

func (s *Server) handleAgentPause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req pauseRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator pause"
	}

	ok, err := s.opts.Agents.PauseAgent(id, req.Reason)
	if err != nil {
		transitionError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "pause denied by agent guard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agentId": id, "state": string(agent.StatePaused)})
}

func (s *Server) handleAgentResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ok, err := s.opts.Agents.ResumeAgent(id)
	if err != nil {
		transitionError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "resume denied by agent guard")
		return
	}
	state, _ := s.opts.Agents.GetAgentState(id)
	writeJSON(w, http.StatusOK, map[string]string{"agentId": id, "state": string(state)})
}

// handleAgentStop drives the agent to stopped. ?force=true overrides the
// graceful-stop guard on busy agents.
func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	err := s.opts.Agents.StopAgent(r.Context(), id, force)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"agentId": id, "state": string(agent.StateStopped)})
	case errors.Is(err, agent.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrStopDenied):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleAgentRecover(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ok, err := s.opts.Agents.RecoverAgent(id)
	if err != nil {
		transitionError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "recover denied by agent guard")
		return
	}
	state, _ := s.opts.Agents.GetAgentState(id)
	writeJSON(w, http.StatusOK, map[string]string{"agentId": id, "state": string(state)})
}
