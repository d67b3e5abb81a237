package httpapi

import (
	"net/http"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
)

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	infos, err := s.gateway.ListExperiments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": infos})
}

func (s *Server) handleActiveExperiment(w http.ResponseWriter, r *http.Request) {
	status := s.gateway.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"active": status.Active, "active_experiments": status.ActiveExperiments})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Health(r.Context()))
}

type experimentRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req experimentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "name is required"))
		return
	}
	info, err := s.gateway.Start(r.Context(), sessionToken(r), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": info.Name, "experiment": info})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req experimentRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.gateway.Stop(r.Context(), sessionToken(r), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": info.Name, "experiment": info})
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	info, err := s.gateway.Mount(r.Context(), sessionToken(r), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	info, err := s.gateway.Unmount(r.Context(), sessionToken(r), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBindRoot(w http.ResponseWriter, r *http.Request) {
	info, err := s.gateway.BindRoot(r.Context(), sessionToken(r), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveExperiment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.gateway.RemoveExperiment(r.Context(), sessionToken(r), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": name})
}

func (s *Server) handleUnbindRoot(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.UnbindRoot(r.Context(), sessionToken(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"root": nil})
}
