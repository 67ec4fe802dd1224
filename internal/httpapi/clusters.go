package httpapi

import (
	"errors"
	"net/http"

	"github.com/davidkimai/godel-sub016/internal/cluster"
)

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters := s.opts.Clusters.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

func (s *Server) handleRegisterCluster(w http.ResponseWriter, r *http.Request) {
	var c cluster.Cluster
	if !decodeJSON(w, r, &c) {
		return
	}

	if err := s.opts.Clusters.Register(&c); err != nil {
		if errors.Is(err, cluster.ErrClusterExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	registered, _ := s.opts.Clusters.Get(c.ID)
	writeJSON(w, http.StatusCreated, registered)
}

type routeRequest struct {
	cluster.Request
	Strategy cluster.Strategy `json:"strategy,omitempty"`
}

// handleRoute runs one routing decision and reports it without reserving
// capacity, so operators can probe placement before committing agents.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result := s.opts.Balancer.Route(r.Context(), req.Request, req.Strategy)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRebalancePlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Balancer.GenerateRebalancePlan())
}
