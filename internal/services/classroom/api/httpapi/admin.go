package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, sess, err := s.gateway.Login(r.Context(), target(r), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     cookiePath(r),
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Login successful",
		"token":      token,
		"experiment": sess.Experiment,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.gateway.Logout(sessionToken(r))
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     cookiePath(r),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Ping(r.Context(), target(r), sessionToken(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type studentJSON struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
}

func (s studentJSON) student() storage.Student {
	return storage.Student{StudentID: s.StudentID, Name: s.Name, Email: s.Email}
}

func (s *Server) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	var req studentJSON
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	added, err := s.gateway.AddStudent(r.Context(), target(r), sessionToken(r), req.student())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "added": added})
}

// bulkRequest accepts {"students": [...]} or a bare array.
type bulkRequest struct {
	Students []studentJSON `json:"students"`
}

func (b *bulkRequest) UnmarshalJSON(data []byte) error {
	var list []studentJSON
	if err := json.Unmarshal(data, &list); err == nil {
		b.Students = list
		return nil
	}
	type plain bulkRequest
	return json.Unmarshal(data, (*plain)(b))
}

type bulkResponse struct {
	Added          int      `json:"added"`
	Skipped        int      `json:"skipped"`
	Errors         []string `json:"errors"`
	TotalProcessed int      `json:"total_processed"`
}

func (s *Server) handleAddStudents(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	students := make([]storage.Student, 0, len(req.Students))
	for _, st := range req.Students {
		students = append(students, st.student())
	}
	result, err := s.gateway.AddStudentsBulk(r.Context(), target(r), sessionToken(r), students)
	if err != nil {
		writeError(w, r, err)
		return
	}
	errs := result.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, bulkResponse{
		Added:          result.Added,
		Skipped:        result.Skipped,
		Errors:         errs,
		TotalProcessed: result.TotalProcessed,
	})
}

func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := s.gateway.ListStudents(r.Context(), target(r), sessionToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]studentJSON, 0, len(students))
	for _, st := range students {
		out = append(out, studentJSON{StudentID: st.StudentID, Name: st.Name, Email: st.Email})
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": out})
}

func (s *Server) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	studentID := r.PathValue("id")
	cascade := false
	if raw := r.URL.Query().Get("cascade"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "cascade must be a boolean"))
			return
		}
		cascade = v
	}
	if err := s.gateway.DeleteStudent(r.Context(), target(r), sessionToken(r), studentID, cascade); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "student_id": studentID, "logs_deleted": cascade})
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.gateway.DeleteLogsForStudent(r.Context(), target(r), sessionToken(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": n})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.gateway.ReloadFunctions(r.Context(), target(r), sessionToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "functions": n})
}
