package httpapi

import (
	"net/http"
	"strconv"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

// handleQueryEvents serves the bus history. Query params mirror the
// HistoryQuery fields; since and until are unix milliseconds.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := eventbus.HistoryQuery{
		Type:          r.URL.Query().Get("type"),
		Source:        r.URL.Query().Get("source"),
		Target:        r.URL.Query().Get("target"),
		CorrelationID: r.URL.Query().Get("correlationId"),
	}

	var err error
	if q.Since, err = queryInt64(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, "since must be an integer")
		return
	}
	if q.Until, err = queryInt64(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, "until must be an integer")
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	q.Limit = int(limit)

	events := s.opts.Bus.QueryHistory(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type publishEventRequest struct {
	Type          string         `json:"type"`
	Source        string         `json:"source,omitempty"`
	Target        string         `json:"target,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// handlePublishEvent injects an external event onto the bus so outside
// systems can participate in the event fabric.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	opts := []eventbus.PublishOption{eventbus.WithSource(source)}
	if req.Target != "" {
		opts = append(opts, eventbus.WithTarget(req.Target))
	}
	if req.CorrelationID != "" {
		opts = append(opts, eventbus.WithCorrelationID(req.CorrelationID))
	}

	ev, err := s.opts.Bus.Publish(r.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}
