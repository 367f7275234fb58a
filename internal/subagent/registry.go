package subagent

import (
	"sort"
	"sync"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

// Registry resolves plan node references to subagent implementations.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Subagent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Subagent)}
}

// Register adds an implementation keyed by its manifest id, replacing any
// previous registration with the same id
func (r *Registry) Register(s Subagent) {
	id := s.Manifest().ID
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = s
}

// Get returns the implementation registered under id, if any
func (r *Registry) Get(id string) (Subagent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Manifests returns every registered manifest sorted by id
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	manifests := make([]Manifest, 0, len(r.byID))
	for _, s := range r.byID {
		manifests = append(manifests, s.Manifest())
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests
}

// Defaults builds a registry holding the built-in subagent set, all wired to
// the same generation client.
func Defaults(client generate.Client) *Registry {
	r := NewRegistry()
	r.Register(NewContextAnalyzer(client))
	r.Register(NewSectionWriter(client))
	r.Register(NewPersonaResearcher(client))
	r.Register(NewStoryMapper(client))
	r.Register(NewAssembler(client))
	return r
}
