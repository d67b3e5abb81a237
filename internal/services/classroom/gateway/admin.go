package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/experiment"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/session"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

// Login checks credentials against the resolved experiment and opens a
// session scoped to it.
func (g *Gateway) Login(ctx context.Context, target Target, username, password string) (string, session.Session, error) {
	exp, release, err := g.acquire(target, false)
	if err != nil {
		return "", session.Session{}, err
	}
	defer release()

	if !exp.Credentials.Verify(username, password) {
		log.Printf("admin login rejected experiment=%s username=%s", exp.Name, username)
		return "", session.Session{}, apperrors.New(apperrors.CodeUnauthorized, "invalid credentials")
	}
	token, sess, err := g.sessions.Create(exp.Name, exp.Credentials.Username())
	if err != nil {
		return "", session.Session{}, err
	}
	log.Printf("admin login experiment=%s username=%s", exp.Name, username)
	return token, sess, nil
}

// Logout ends the session behind token.
func (g *Gateway) Logout(token string) {
	g.sessions.Revoke(token)
}

// authorize resolves target and checks token against it. Mutating
// operations also require the experiment to be active.
func (g *Gateway) authorize(target Target, token string, requireActive bool) (*experiment.Experiment, func(), error) {
	exp, release, err := g.acquire(target, false)
	if err != nil {
		return nil, nil, err
	}
	if _, err := g.sessions.Validate(token, exp.Name); err != nil {
		release()
		return nil, nil, err
	}
	if requireActive && !exp.Active() {
		release()
		return nil, nil, apperrors.WithMetadata(apperrors.CodeNoActiveExperiment,
			fmt.Sprintf("experiment %q is not active", exp.Name), map[string]string{"experiment": exp.Name})
	}
	return exp, release, nil
}

// Ping succeeds when token is a live session for the resolved experiment.
func (g *Gateway) Ping(ctx context.Context, target Target, token string) error {
	_, release, err := g.authorize(target, token, false)
	if err != nil {
		return err
	}
	release()
	return nil
}

func normalizeStudent(student storage.Student) (storage.Student, error) {
	student.StudentID = strings.TrimSpace(student.StudentID)
	student.Name = strings.TrimSpace(student.Name)
	student.Email = strings.TrimSpace(student.Email)
	if student.StudentID == "" {
		return student, apperrors.New(apperrors.CodeInvalidArgument, "student_id is required")
	}
	return student, nil
}

// AddStudent registers one student. Adding an existing id is a no-op that
// reports false.
func (g *Gateway) AddStudent(ctx context.Context, target Target, token string, student storage.Student) (bool, error) {
	student, err := normalizeStudent(student)
	if err != nil {
		return false, err
	}
	exp, release, err := g.authorize(target, token, true)
	if err != nil {
		return false, err
	}
	defer release()

	added, err := exp.Store.AddStudent(ctx, student)
	if err != nil {
		return false, storageFailure(exp, "add_student", err)
	}
	return added, nil
}

// AddStudentsBulk registers a roster in one transaction and reports what
// was added, skipped or rejected.
func (g *Gateway) AddStudentsBulk(ctx context.Context, target Target, token string, students []storage.Student) (storage.BulkResult, error) {
	exp, release, err := g.authorize(target, token, true)
	if err != nil {
		return storage.BulkResult{}, err
	}
	defer release()

	normalized := make([]storage.Student, 0, len(students))
	for _, student := range students {
		// Empty ids pass through so the store reports them per row.
		student, _ = normalizeStudent(student)
		normalized = append(normalized, student)
	}
	students = normalized

	result, err := exp.Store.AddStudents(ctx, students)
	if err != nil {
		return storage.BulkResult{}, storageFailure(exp, "add_students", err)
	}
	log.Printf("students imported experiment=%s added=%d skipped=%d errors=%d", exp.Name, result.Added, result.Skipped, len(result.Errors))
	return result, nil
}

// ListStudents returns the roster.
func (g *Gateway) ListStudents(ctx context.Context, target Target, token string) ([]storage.Student, error) {
	exp, release, err := g.authorize(target, token, true)
	if err != nil {
		return nil, err
	}
	defer release()

	students, err := exp.Store.ListStudents(ctx)
	if err != nil {
		return nil, storageFailure(exp, "list_students", err)
	}
	if students == nil {
		students = []storage.Student{}
	}
	return students, nil
}

// DeleteStudent removes a student, and with cascadeLogs their log records.
func (g *Gateway) DeleteStudent(ctx context.Context, target Target, token, studentID string, cascadeLogs bool) error {
	exp, release, err := g.authorize(target, token, true)
	if err != nil {
		return err
	}
	defer release()

	deleted, err := exp.Store.DeleteStudent(ctx, studentID, cascadeLogs)
	if err != nil {
		return storageFailure(exp, "delete_student", err)
	}
	if !deleted {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("student %q not found", studentID), map[string]string{"student_id": studentID})
	}
	log.Printf("student deleted experiment=%s student_id=%s cascade=%t", exp.Name, studentID, cascadeLogs)
	return nil
}

// DeleteLogsForStudent removes every log record of studentID and returns the
// count.
func (g *Gateway) DeleteLogsForStudent(ctx context.Context, target Target, token, studentID string) (int64, error) {
	exp, release, err := g.authorize(target, token, true)
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := exp.Store.DeleteLogsForStudent(ctx, studentID)
	if err != nil {
		return 0, storageFailure(exp, "delete_logs", err)
	}
	log.Printf("logs deleted experiment=%s student_id=%s count=%d", exp.Name, studentID, n)
	return n, nil
}

// ReloadFunctions rescans the experiment's functions and returns the new
// count.
func (g *Gateway) ReloadFunctions(ctx context.Context, target Target, token string) (int, error) {
	exp, release, err := g.authorize(target, token, true)
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := exp.Functions.Reload(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnknown, "reload functions", err)
	}
	log.Printf("functions reloaded experiment=%s count=%d", exp.Name, n)
	return n, nil
}

// authorizeControl accepts a session for the named experiment or for the
// experiment bound to the root.
func (g *Gateway) authorizeControl(token, name string) error {
	_, err := g.sessions.Validate(token, name)
	if err == nil || !apperrors.IsCode(err, apperrors.CodeForbidden) {
		return err
	}
	root, ok := g.experiments.Root()
	if !ok {
		return err
	}
	_, rootErr := g.sessions.Validate(token, root.Name)
	return rootErr
}

func (g *Gateway) info(name string) (experiment.Info, error) {
	for _, info := range g.experiments.List() {
		if info.Name == name {
			return info, nil
		}
	}
	return experiment.Info{}, apperrors.WithMetadata(apperrors.CodeNotFound,
		fmt.Sprintf("experiment %q not found", name), map[string]string{"experiment": name})
}

// ListExperiments describes registered experiments and, when an experiments
// root is configured, bundles on disk that have not been registered yet.
func (g *Gateway) ListExperiments(ctx context.Context) ([]experiment.Info, error) {
	infos := g.experiments.List()
	if g.root == "" {
		return infos, nil
	}
	names, err := experiment.Discover(g.root)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, ok := g.experiments.Lookup(name); ok {
			continue
		}
		infos = append(infos, experiment.Info{Name: name, MountPath: experiment.MountPrefix + name})
	}
	return infos, nil
}

// Start registers the experiment if needed, mounts it and activates it.
func (g *Gateway) Start(ctx context.Context, token, name string) (experiment.Info, error) {
	if _, ok := g.experiments.Lookup(name); !ok {
		if err := g.authorizeRootOnly(token); err != nil {
			return experiment.Info{}, err
		}
		if err := g.registerFromRoot(ctx, name); err != nil {
			return experiment.Info{}, err
		}
	} else if err := g.authorizeControl(token, name); err != nil {
		return experiment.Info{}, err
	}
	if err := g.experiments.Mount(name); err != nil {
		return experiment.Info{}, err
	}
	if err := g.experiments.Activate(name); err != nil {
		return experiment.Info{}, err
	}
	return g.info(name)
}

func (g *Gateway) authorizeRootOnly(token string) error {
	root, ok := g.experiments.Root()
	if !ok {
		return apperrors.New(apperrors.CodeForbidden, "no root experiment to authorize against")
	}
	_, err := g.sessions.Validate(token, root.Name)
	return err
}

func (g *Gateway) registerFromRoot(ctx context.Context, name string) error {
	notFound := apperrors.WithMetadata(apperrors.CodeNotFound,
		fmt.Sprintf("experiment %q not found", name), map[string]string{"experiment": name})
	if g.root == "" || !experiment.ValidName(name) {
		return notFound
	}
	if st, err := os.Stat(filepath.Join(g.root, name)); err != nil || !st.IsDir() {
		return notFound
	}
	_, err := g.experiments.RegisterDir(ctx, g.root, name)
	return err
}

// Stop deactivates the experiment. An empty name stops the root experiment.
func (g *Gateway) Stop(ctx context.Context, token, name string) (experiment.Info, error) {
	if name == "" {
		root, ok := g.experiments.Root()
		if !ok || !root.Active() {
			return experiment.Info{}, apperrors.New(apperrors.CodeNoActiveExperiment, "no active experiment to stop")
		}
		name = root.Name
	}
	if err := g.authorizeControl(token, name); err != nil {
		return experiment.Info{}, err
	}
	if err := g.experiments.Deactivate(name); err != nil {
		return experiment.Info{}, err
	}
	return g.info(name)
}

// Mount makes the experiment routable.
func (g *Gateway) Mount(ctx context.Context, token, name string) (experiment.Info, error) {
	if err := g.authorizeControl(token, name); err != nil {
		return experiment.Info{}, err
	}
	if err := g.experiments.Mount(name); err != nil {
		return experiment.Info{}, err
	}
	return g.info(name)
}

// Unmount withdraws the experiment's routes. Calls already in flight finish
// and are logged.
func (g *Gateway) Unmount(ctx context.Context, token, name string) (experiment.Info, error) {
	if err := g.authorizeControl(token, name); err != nil {
		return experiment.Info{}, err
	}
	if err := g.experiments.Unmount(name); err != nil {
		return experiment.Info{}, err
	}
	return g.info(name)
}

// BindRoot moves the root alias to name. Only the current root admin may
// do so; with no root bound the alias can only be set at startup.
func (g *Gateway) BindRoot(ctx context.Context, token, name string) (experiment.Info, error) {
	if err := g.authorizeRootOnly(token); err != nil {
		return experiment.Info{}, err
	}
	if err := g.experiments.BindRoot(name); err != nil {
		return experiment.Info{}, err
	}
	return g.info(name)
}

// UnbindRoot clears the root alias; root routes then report no active
// experiment. Only the root admin may do so, and a new root can only be bound
// at startup.
func (g *Gateway) UnbindRoot(ctx context.Context, token string) error {
	if err := g.authorizeRootOnly(token); err != nil {
		return err
	}
	g.experiments.UnbindRoot()
	return nil
}

// RemoveExperiment unregisters name after its in-flight calls finish and
// closes its store. The bundle stays on disk and can be started again.
// Only the root admin may remove, and never the root experiment itself.
func (g *Gateway) RemoveExperiment(ctx context.Context, token, name string) error {
	if err := g.authorizeRootOnly(token); err != nil {
		return err
	}
	if root, ok := g.experiments.Root(); ok && root.Name == name {
		return apperrors.WithMetadata(apperrors.CodeConflict,
			"cannot remove the root experiment", map[string]string{"experiment": name})
	}
	return g.experiments.Remove(ctx, name)
}
