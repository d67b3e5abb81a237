package experiment

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/platform/filewatch"
	"github.com/louisbranch/classroom-rpc/internal/platform/timeouts"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function/builtin"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage/sqlite"
)

// Options configures how a Registry opens experiment resources.
type Options struct {
	// Loaders handle source modules in each experiment's functions dir.
	Loaders []function.Loader
	// Credentials is applied to every credential file.
	Credentials credential.Options
	// OpenStore opens an experiment store. Defaults to SQLite.
	OpenStore func(path string) (storage.Store, error)
	// OnMountChange is called after an experiment is mounted or unmounted.
	OnMountChange func(name string, mounted bool)
}

// Registry holds the registered experiments and the root alias. Its lock
// guards the table only; no storage I/O happens while it is held.
type Registry struct {
	opts Options

	mu          sync.RWMutex
	experiments map[string]*Experiment
	root        string
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.OpenStore == nil {
		opts.OpenStore = func(path string) (storage.Store, error) { return sqlite.Open(path) }
	}
	return &Registry{opts: opts, experiments: make(map[string]*Experiment)}
}

func notFound(name string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound,
		fmt.Sprintf("experiment %q not found", name), map[string]string{"experiment": name})
}

// Register opens the bundle's store, credentials and functions and adds the
// experiment, mounted. Registering the same name with an equal bundle
// returns the existing experiment; a different bundle is a CONFLICT.
func (r *Registry) Register(ctx context.Context, name string, bundle Bundle) (*Experiment, error) {
	if !ValidName(name) {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid experiment name %q", name)
	}
	if existing, err := r.existing(name, bundle); existing != nil || err != nil {
		return existing, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exp, err := r.open(name, bundle)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, raced := r.experiments[name]; raced {
		r.mu.Unlock()
		_ = exp.Store.Close()
		return r.existing(name, bundle)
	}
	r.experiments[name] = exp
	r.mu.Unlock()

	log.Printf("experiment registered name=%s functions=%d credentials=%s", name, exp.Functions.Len(), exp.Credentials.Source())
	r.setMounted(exp, true)
	return exp, nil
}

func (r *Registry) existing(name string, bundle Bundle) (*Experiment, error) {
	r.mu.RLock()
	exp, ok := r.experiments[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !exp.Bundle.Equal(bundle) {
		return nil, apperrors.WithMetadata(apperrors.CodeConflict,
			fmt.Sprintf("experiment %q is already registered with different paths", name),
			map[string]string{"experiment": name})
	}
	return exp, nil
}

func (r *Registry) open(name string, bundle Bundle) (*Experiment, error) {
	modules, err := builtin.Modules(bundle.Modules...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("experiment %s", name), err)
	}
	creds, err := credential.Load(bundle.CredentialsPath, r.opts.Credentials)
	if err != nil {
		return nil, err
	}
	functions, err := function.Load(function.Config{
		Name:    name,
		Dir:     bundle.FunctionsDir,
		Loaders: r.opts.Loaders,
		Modules: modules,
	})
	if err != nil {
		return nil, err
	}
	store, err := r.opts.OpenStore(bundle.DBPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageError, fmt.Sprintf("open store for %s", name), err)
	}
	exp := &Experiment{
		Name:        name,
		Bundle:      bundle,
		Functions:   functions,
		Store:       store,
		Credentials: creds,
	}
	exp.active.Store(bundle.Active)
	return exp, nil
}

// Lookup returns a registered experiment.
func (r *Registry) Lookup(name string) (*Experiment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.experiments[name]
	return exp, ok
}

func (r *Registry) get(name string) (*Experiment, error) {
	exp, ok := r.Lookup(name)
	if !ok {
		return nil, notFound(name)
	}
	return exp, nil
}

// Activate lets the experiment accept calls.
func (r *Registry) Activate(name string) error {
	exp, err := r.get(name)
	if err != nil {
		return err
	}
	if !exp.active.Swap(true) {
		log.Printf("experiment activated name=%s", name)
	}
	return nil
}

// Deactivate stops the experiment from accepting calls.
func (r *Registry) Deactivate(name string) error {
	exp, err := r.get(name)
	if err != nil {
		return err
	}
	if exp.active.Swap(false) {
		log.Printf("experiment deactivated name=%s", name)
	}
	return nil
}

// Mount makes the experiment's namespace routable.
func (r *Registry) Mount(name string) error {
	exp, err := r.get(name)
	if err != nil {
		return err
	}
	r.setMounted(exp, true)
	return nil
}

// Unmount withdraws the namespace. Calls already resolved keep running.
func (r *Registry) Unmount(name string) error {
	exp, err := r.get(name)
	if err != nil {
		return err
	}
	r.setMounted(exp, false)
	return nil
}

func (r *Registry) setMounted(exp *Experiment, mounted bool) {
	if exp.mounted.Swap(mounted) == mounted {
		return
	}
	log.Printf("experiment mounted=%t name=%s path=%s", mounted, exp.Name, exp.MountPath())
	if r.opts.OnMountChange != nil {
		r.opts.OnMountChange(exp.Name, mounted)
	}
}

// BindRoot binds name to the root alias, replacing any previous holder.
func (r *Registry) BindRoot(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experiments[name]; !ok {
		return notFound(name)
	}
	if r.root != name {
		log.Printf("root alias bound name=%s previous=%s", name, r.root)
		r.root = name
	}
	return nil
}

// UnbindRoot clears the root alias.
func (r *Registry) UnbindRoot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root != "" {
		log.Printf("root alias cleared previous=%s", r.root)
	}
	r.root = ""
}

// Root returns the experiment holding the root alias.
func (r *Registry) Root() (*Experiment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.root == "" {
		return nil, false
	}
	exp, ok := r.experiments[r.root]
	return exp, ok
}

// List describes every experiment, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.experiments))
	for name, exp := range r.experiments {
		out = append(out, Info{
			Name:        name,
			Registered:  true,
			Active:      exp.Active(),
			Mounted:     exp.Mounted(),
			Root:        name == r.root,
			MountPath:   exp.MountPath(),
			Description: exp.Bundle.Description,
			Functions:   exp.Functions.Len(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns the registered experiments sorted by name.
func (r *Registry) All() []*Experiment {
	r.mu.RLock()
	out := make([]*Experiment, 0, len(r.experiments))
	for _, exp := range r.experiments {
		out = append(out, exp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove unregisters an experiment: it is unmounted, unbound from the root
// alias, drained of in-flight calls, and its store closed.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	exp, ok := r.experiments[name]
	if !ok {
		r.mu.Unlock()
		return notFound(name)
	}
	delete(r.experiments, name)
	if r.root == name {
		r.root = ""
	}
	r.mu.Unlock()

	r.setMounted(exp, false)
	exp.active.Store(false)
	if err := exp.drain(ctx); err != nil {
		log.Printf("experiment %s removed with calls still in flight: %v", name, err)
	}
	if err := exp.Store.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageError, fmt.Sprintf("close store for %s", name), err)
	}
	log.Printf("experiment removed name=%s", name)
	return nil
}

// Close removes every experiment.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, exp := range r.All() {
		if err := r.Remove(ctx, exp.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RegisterDir registers root/name using the standard bundle layout.
func (r *Registry) RegisterDir(ctx context.Context, root, name string) (*Experiment, error) {
	bundle, err := BundleAt(root, name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("experiment %s", name), err)
	}
	return r.Register(ctx, name, bundle)
}

// LoadRoot registers every experiment found under root. Experiments that fail
// to register are logged and skipped. It returns the registered names.
func (r *Registry) LoadRoot(ctx context.Context, root string) ([]string, error) {
	names, err := Discover(root)
	if err != nil {
		return nil, err
	}
	var loaded []string
	for _, name := range names {
		if _, err := r.RegisterDir(ctx, root, name); err != nil {
			log.Printf("failed to register experiment %s: %v", name, err)
			continue
		}
		loaded = append(loaded, name)
	}
	return loaded, nil
}

// Watch reloads an experiment's functions whenever its functions directory
// changes. Only experiments registered before Watch is called are watched.
// It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	byDir := make(map[string]*Experiment)
	var dirs []string
	for _, exp := range r.All() {
		if _, err := os.Stat(exp.Bundle.FunctionsDir); err != nil {
			continue
		}
		byDir[filepath.Clean(exp.Bundle.FunctionsDir)] = exp
		dirs = append(dirs, exp.Bundle.FunctionsDir)
	}
	if len(dirs) == 0 {
		<-ctx.Done()
		return nil
	}
	watcher, err := filewatch.New(dirs...)
	if err != nil {
		return fmt.Errorf("watch functions: %w", err)
	}
	defer watcher.Close()

	return watcher.Run(ctx, timeouts.ReloadDebounce, func(dir string) {
		exp, ok := byDir[dir]
		if !ok {
			return
		}
		n, err := exp.Functions.Reload(ctx)
		if err != nil {
			log.Printf("reload functions for %s: %v", exp.Name, err)
			return
		}
		log.Printf("functions reloaded experiment=%s count=%d", exp.Name, n)
	})
}
