package httpapi

import (
	"io"
	"net/http"

	"github.com/davidkimai/godel-sub016/internal/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs := s.opts.Workflows.Workflows()
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": wfs,
		"count":     len(wfs),
	})
}

// handleRegisterWorkflow accepts a YAML or JSON definition body, validates
// it and registers it under its own id.
func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	wf, err := workflow.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Workflows.RegisterWorkflow(wf); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    wf.ID,
		"name":  wf.Name,
		"nodes": len(wf.Nodes),
		"edges": len(wf.Edges),
	})
}

type startWorkflowRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// handleStartWorkflow launches an instance and returns its id immediately;
// traversal continues in the background.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.opts.Workflows.Workflow(id); !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	var req startWorkflowRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	instanceID, err := s.opts.Workflows.Start(r.Context(), id, req.Inputs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflowId": id,
		"instanceId": instanceID,
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.opts.Workflows.ListInstances()
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"count":     len(instances),
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.opts.Workflows.GetInstance(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstancePause(w http.ResponseWriter, r *http.Request) {
	s.instanceAction(w, r, s.opts.Workflows.Pause)
}

func (s *Server) handleInstanceResume(w http.ResponseWriter, r *http.Request) {
	s.instanceAction(w, r, s.opts.Workflows.Resume)
}

func (s *Server) handleInstanceCancel(w http.ResponseWriter, r *http.Request) {
	s.instanceAction(w, r, s.opts.Workflows.Cancel)
}

// instanceAction applies a lifecycle verb and reports the fresh snapshot.
// Unknown ids are 404; verbs rejected by the instance's current status are
// 409.
func (s *Server) instanceAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := r.PathValue("id")
	if _, ok := s.opts.Workflows.GetInstance(id); !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err := action(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	inst, _ := s.opts.Workflows.GetInstance(id)
	writeJSON(w, http.StatusOK, inst)
}
