// Package httpapi exposes the gateway over HTTP/JSON. Root routes act on the
// experiment bound to the root; the same routes under /exp/{experiment} act
// on that mounted experiment.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/gateway"
)

// SessionCookieName carries the admin session token for browser clients.
const SessionCookieName = "classroom_session"

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to a gateway.
type Server struct {
	gateway *gateway.Gateway
	mux     *http.ServeMux
}

// NewServer builds the HTTP surface for gw.
func NewServer(gw *gateway.Gateway) *Server {
	s := &Server{gateway: gw, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handle mounts an extra handler, such as the MCP endpoint, on the same mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.experimentRoutes("")
	s.experimentRoutes("/exp/{experiment}")

	s.mux.HandleFunc("GET /api/experiments", s.handleListExperiments)
	s.mux.HandleFunc("GET /api/active-experiment", s.handleActiveExperiment)
	s.mux.HandleFunc("POST /api/experiments/start", s.handleStart)
	s.mux.HandleFunc("POST /api/experiments/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/experiments/unbind-root", s.handleUnbindRoot)
	s.mux.HandleFunc("POST /api/experiments/{name}/mount", s.handleMount)
	s.mux.HandleFunc("POST /api/experiments/{name}/unmount", s.handleUnmount)
	s.mux.HandleFunc("POST /api/experiments/{name}/bind-root", s.handleBindRoot)
	s.mux.HandleFunc("DELETE /api/experiments/{name}", s.handleRemoveExperiment)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

func (s *Server) experimentRoutes(prefix string) {
	s.mux.HandleFunc("GET "+prefix+"/functions", s.handleFunctions)
	s.mux.HandleFunc("POST "+prefix+"/call", s.handleCall)
	s.mux.HandleFunc("GET "+prefix+"/logs", s.handleLogs)
	s.mux.HandleFunc("GET "+prefix+"/log-options", s.handleLogOptions)
	s.mux.HandleFunc("GET "+prefix+"/is-registered", s.handleIsRegistered)

	s.mux.HandleFunc("POST "+prefix+"/admin/login", s.handleLogin)
	s.mux.HandleFunc("POST "+prefix+"/admin/logout", s.handleLogout)
	s.mux.HandleFunc("GET "+prefix+"/admin/ping", s.handlePing)
	s.mux.HandleFunc("POST "+prefix+"/admin/add-student", s.handleAddStudent)
	s.mux.HandleFunc("POST "+prefix+"/admin/add-students", s.handleAddStudents)
	s.mux.HandleFunc("GET "+prefix+"/admin/students", s.handleListStudents)
	s.mux.HandleFunc("GET "+prefix+"/students", s.handleListStudents)
	s.mux.HandleFunc("DELETE "+prefix+"/admin/student/{id}", s.handleDeleteStudent)
	s.mux.HandleFunc("DELETE "+prefix+"/admin/logs/{id}", s.handleDeleteLogs)
	s.mux.HandleFunc("POST "+prefix+"/admin/reload-functions", s.handleReload)
}

func target(r *http.Request) gateway.Target {
	return gateway.Target{Mount: r.PathValue("experiment")}
}

// sessionToken reads the bearer token, falling back to the session cookie.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func cookiePath(r *http.Request) string {
	if name := r.PathValue("experiment"); name != "" {
		return "/exp/" + name
	}
	return "/"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.CodeInvalidArgument, "request body is required")
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid JSON body: "+err.Error(), err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for requests whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid JSON body: "+err.Error(), err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// writeError maps err onto its HTTP status. Errors without a domain code are
// logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		log.Printf("http %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: code.Kind(), Detail: "internal error"})
		return
	}
	var domainErr *apperrors.Error
	detail := err.Error()
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		detail = domainErr.Message
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{Code: code.Kind(), Detail: detail})
}
