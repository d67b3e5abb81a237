// Package experiment owns the set of named experiments. Each binds one
// function registry, one store and one credential set, and carries the
// active and mounted flags that gate dispatch.
package experiment

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

// MountPrefix is the path prefix under which experiments are mounted.
const MountPrefix = "/exp/"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidName reports whether name can identify an experiment.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Experiment is one registered tenant.
type Experiment struct {
	Name        string
	Bundle      Bundle
	Functions   *function.Registry
	Store       storage.Store
	Credentials *credential.Store

	active  atomic.Bool
	mounted atomic.Bool

	lifeMu   sync.RWMutex
	removed  bool
	inflight sync.WaitGroup
}

// MountPath is where the experiment's routes live.
func (e *Experiment) MountPath() string {
	return MountPrefix + e.Name
}

// Active reports whether the experiment accepts calls.
func (e *Experiment) Active() bool { return e.active.Load() }

// Mounted reports whether the experiment's namespace is routable.
func (e *Experiment) Mounted() bool { return e.mounted.Load() }

// Begin marks the start of a call against the experiment. It returns false
// once the experiment has been removed; otherwise the caller must call the
// returned release func when done. Removal waits for every begun call.
func (e *Experiment) Begin() (release func(), ok bool) {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.removed {
		return nil, false
	}
	e.inflight.Add(1)
	return e.inflight.Done, true
}

// drain blocks new calls and waits for begun ones, or for ctx.
func (e *Experiment) drain(ctx context.Context) error {
	e.lifeMu.Lock()
	e.removed = true
	e.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info is the discovery view of an experiment.
type Info struct {
	Name        string `json:"name"`
	Registered  bool   `json:"registered"`
	Active      bool   `json:"active"`
	Mounted     bool   `json:"mounted"`
	Root        bool   `json:"root"`
	MountPath   string `json:"mount_path"`
	Description string `json:"description,omitempty"`
	Functions   int    `json:"functions"`
}
