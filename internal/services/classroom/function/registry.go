package function

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
)

// Config describes where a registry finds its modules.
type Config struct {
	// Name labels log lines, usually the experiment name.
	Name string
	// Dir is scanned non-recursively for source modules. Empty disables the scan.
	Dir string
	// Loaders handle source files by extension.
	Loaders []Loader
	// Modules are compiled-in modules loaded before Dir, in order.
	Modules []StaticModule
}

// Registry is a copy-on-swap table of callables. Readers resolve a snapshot
// once per call and keep using it even if a reload swaps in a new one.
type Registry struct {
	cfg     Config
	loaders map[string]Loader
	current atomic.Pointer[snapshot]
	reloads singleflight.Group
}

type snapshot struct {
	entries map[string]Entry
	sorted  []Descriptor
}

// Load builds a registry and performs the initial scan.
func Load(cfg Config) (*Registry, error) {
	r := &Registry{cfg: cfg, loaders: make(map[string]Loader, len(cfg.Loaders))}
	for _, l := range cfg.Loaders {
		r.loaders[strings.ToLower(l.Ext())] = l
	}
	snap, err := r.build()
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	return r, nil
}

// Describe returns descriptors sorted by name.
func (r *Registry) Describe() []Descriptor {
	return append([]Descriptor(nil), r.current.Load().sorted...)
}

// Len reports the number of callables in the current snapshot.
func (r *Registry) Len() int {
	return len(r.current.Load().entries)
}

// Lookup resolves name in the current snapshot.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.current.Load().entries[name]
	return e, ok
}

// Invoke binds args and kwargs to the named callable and runs it. It returns
// NOT_FOUND for unknown names, BAD_ARGUMENTS for binding failures and
// INVOCATION_ERROR for anything the callable raises, panics included.
func (r *Registry) Invoke(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	entry, ok := r.Lookup(name)
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("function %q not found", name), map[string]string{"function": name})
	}
	bound, err := Bind(entry.Descriptor, args, kwargs)
	if err != nil {
		return nil, err
	}
	return call(ctx, entry, bound)
}

func call(ctx context.Context, entry Entry, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = apperrors.Wrap(apperrors.CodeInvocationError, "",
				&RaisedError{Type: "Panic", Message: fmt.Sprint(rec)})
		}
	}()
	result, err = entry.Func(ctx, args)
	if err != nil {
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) && domainErr.Code == apperrors.CodeBadArguments {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CodeInvocationError, "", err)
	}
	return result, nil
}

// Reload rebuilds the registry from its sources and swaps it in whole.
// Concurrent reloads share one rebuild. It returns the new function count.
// On failure the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	v, err, _ := r.reloads.Do("reload", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := r.build()
		if err != nil {
			return nil, err
		}
		r.current.Store(snap)
		log.Printf("functions reloaded experiment=%s count=%d", r.cfg.Name, len(snap.entries))
		return len(snap.entries), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Registry) build() (*snapshot, error) {
	entries := make(map[string]Entry)
	add := func(module string, loaded []Entry) {
		for _, e := range loaded {
			if e.Name == "" || strings.HasPrefix(e.Name, PrivatePrefix) || e.Func == nil {
				continue
			}
			e.Module = module
			if prev, ok := entries[e.Name]; ok {
				log.Printf("warning: function %q from %s overrides %s experiment=%s", e.Name, module, prev.Module, r.cfg.Name)
			}
			entries[e.Name] = e
		}
	}

	for _, m := range r.cfg.Modules {
		add(m.Name, m.Entries)
	}

	if r.cfg.Dir != "" {
		files, err := r.sourceFiles()
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			loader := r.loaders[strings.ToLower(filepath.Ext(file))]
			loaded, err := loader.Load(filepath.Join(r.cfg.Dir, file))
			if err != nil {
				log.Printf("failed to load module %s experiment=%s: %v", file, r.cfg.Name, err)
				continue
			}
			add(file, loaded)
		}
	}

	if len(entries) == 0 {
		log.Printf("warning: no functions loaded experiment=%s", r.cfg.Name)
	}

	sorted := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e.Descriptor)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return &snapshot{entries: entries, sorted: sorted}, nil
}

// sourceFiles lists loadable files directly under Dir in lexical order. A
// missing directory yields no files.
func (r *Registry) sourceFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("warning: functions dir missing experiment=%s dir=%s", r.cfg.Name, r.cfg.Dir)
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeStorageError, "read functions dir", err)
	}
	var files []string
	for _, d := range dirEntries {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, PrivatePrefix) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := r.loaders[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}
