package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/gateway"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	descs, err := s.gateway.ListFunctions(r.Context(), target(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": descs})
}

type callRequest struct {
	StudentID string         `json:"student_id"`
	FuncName  string         `json:"func_name"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	Trial     string         `json:"trial"`
	// Experiment is the former name of Trial.
	Experiment     string `json:"experiment"`
	ExperimentName string `json:"experiment_name"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t := target(r)
	t.Experiment = req.ExperimentName
	env, err := s.gateway.Call(r.Context(), gateway.CallRequest{
		Target:      t,
		StudentID:   req.StudentID,
		FuncName:    req.FuncName,
		Args:        req.Args,
		Kwargs:      req.Kwargs,
		Trial:       req.Trial,
		LegacyTrial: req.Experiment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func firstParam(r *http.Request, names ...string) string {
	q := r.URL.Query()
	for _, name := range names {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// studentParam returns the first non-blank student id alias untrimmed;
// student ids match exactly.
func studentParam(r *http.Request) string {
	q := r.URL.Query()
	for _, name := range []string{"student_id", "sid"} {
		if v := q.Get(name); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, apperrors.Newf(apperrors.CodeInvalidArgument, "%s must be an RFC 3339 timestamp", name)
	}
	return ts, nil
}

// parseLogQuery reads log filters, honouring the legacy parameter names.
func parseLogQuery(r *http.Request) (storage.LogQuery, error) {
	query := storage.LogQuery{
		StudentID: studentParam(r),
		Trial:     storage.ResolveTrial(firstParam(r, "trial", "trial_name", "experiment_name", "exp")),
		Order:     storage.ParseOrder(firstParam(r, "order")),
		Filter:    firstParam(r, "filter"),
		OrderBy:   firstParam(r, "order_by"),
	}
	if raw := firstParam(r, "limit", "n"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return storage.LogQuery{}, apperrors.New(apperrors.CodeInvalidArgument, "limit must be an integer")
		}
		query.Limit = limit
		if limit < storage.MinLimit {
			query.Limit = storage.MinLimit
		}
	}
	var err error
	if query.Start, err = parseTime("start_time", firstParam(r, "start_time", "start")); err != nil {
		return storage.LogQuery{}, err
	}
	if query.End, err = parseTime("end_time", firstParam(r, "end_time", "end")); err != nil {
		return storage.LogQuery{}, err
	}
	return query, nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query, err := parseLogQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := s.gateway.QueryLogs(r.Context(), target(r), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleLogOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.gateway.LogOptions(r.Context(), target(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleIsRegistered(w http.ResponseWriter, r *http.Request) {
	studentID := studentParam(r)
	ok, err := s.gateway.IsRegistered(r.Context(), target(r), studentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student_id": studentID, "registered": ok})
}
