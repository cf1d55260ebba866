package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// DefaultVersion is used for definitions registered without a version.
const DefaultVersion = "v1"

// workflowRegistry holds the definitions known to one engine and indexes
// the executions it is currently driving. Writes are linearized by mu.
type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]api.WorkflowDefinition
	latest map[string]string
	live   map[string]*driver
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]map[string]api.WorkflowDefinition),
		latest: make(map[string]string),
		live:   make(map[string]*driver),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	if err := validateDefinition(def); err != nil {
		return err
	}
	def.Steps = append([]api.Step(nil), def.Steps...)

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[def.Name]
	if versions == nil {
		versions = make(map[string]api.WorkflowDefinition)
		r.byName[def.Name] = versions
	}

	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("%w: workflow %q version %q already registered", api.ErrInvalidDefinition, def.Name, def.Version)
	}

	versions[def.Version] = def
	r.latest[def.Name] = def.Version
	return nil
}

// Get returns the named definition. An empty version selects the most
// recently registered one.
func (r *workflowRegistry) Get(name, version string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if versions == nil {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", api.ErrWorkflowNotFound, name)
	}
	if version == "" {
		version = r.latest[name]
	}

	def, ok := versions[version]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %q version %q", api.ErrWorkflowNotFound, name, version)
	}

	return def, nil
}

func (r *workflowRegistry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// track indexes a live driver. It fails if the id is already live.
func (r *workflowRegistry) track(d *driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[d.id]; ok {
		return fmt.Errorf("%w: execution %s is already live", api.ErrInvalidState, d.id)
	}
	r.live[d.id] = d
	return nil
}

func (r *workflowRegistry) untrack(d *driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[d.id] == d {
		delete(r.live, d.id)
	}
}

func (r *workflowRegistry) lookup(id string) (*driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.live[id]
	return d, ok
}

func (r *workflowRegistry) liveDrivers() []*driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*driver, 0, len(r.live))
	for _, d := range r.live {
		out = append(out, d)
	}
	return out
}
