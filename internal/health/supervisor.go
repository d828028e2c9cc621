package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"snowscope/internal/clock"
	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
)

// ResourceStatus is a resource's availability classification.
type ResourceStatus string

const (
	ResourceReady        ResourceStatus = "ready"
	ResourceInitializing ResourceStatus = "initializing"
	ResourceDegraded     ResourceStatus = "degraded"
	ResourceUnavailable  ResourceStatus = "unavailable"
	ResourceError        ResourceStatus = "error"
)

// ResourceInfo is the per-resource answer of get_resource_status.
type ResourceInfo struct {
	Available           bool           `json:"available"`
	Status              ResourceStatus `json:"status"`
	DependenciesMet     bool           `json:"dependencies_met"`
	BlockingIssues      []string       `json:"blocking_issues,omitempty"`
	MissingDependencies []string       `json:"missing_dependencies,omitempty"`
}

// dependencyGraph is the static resource DAG.
var dependencyGraph = map[string][]string{
	"catalog":          {"profile", "connection"},
	"lineage":          {"profile", "connection", "catalog"},
	"dependency_graph": {"profile", "connection"},
	"cortex_search":    {"profile", "connection", "cortex_enabled"},
}

// DependencyCheck reports whether one dependency is satisfied, with an
// issue description when it is not.
type DependencyCheck func() (ok bool, issue string)

// Supervisor computes resource availability from the dependency DAG.
type Supervisor struct {
	clk clock.Clock
	ttl time.Duration

	mu    sync.Mutex
	deps  map[string]DependencyCheck
	cache map[string]cachedResource
}

type cachedResource struct {
	info       ResourceInfo
	computedAt time.Time
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorClock injects a clock (tests).
func WithSupervisorClock(clk clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clk = clk }
}

// WithResourceTTL overrides the status cache TTL (default 60s).
func WithResourceTTL(ttl time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.ttl = ttl }
}

// NewSupervisor creates a Supervisor. Dependency checks are registered by
// name with RegisterDependency.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		clk:   clock.System,
		ttl:   60 * time.Second,
		deps:  make(map[string]DependencyCheck),
		cache: make(map[string]cachedResource),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterDependency installs the check backing one dependency name.
func (s *Supervisor) RegisterDependency(name string, check DependencyCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[name] = check
}

// Resources lists the known resource names.
func Resources() []string {
	names := make([]string, 0, len(dependencyGraph))
	for name := range dependencyGraph {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status computes one resource's availability, cached per TTL.
func (s *Supervisor) Status(resource string) (ResourceInfo, error) {
	deps, ok := dependencyGraph[resource]
	if !ok {
		return ResourceInfo{}, snowerr.New(snowerr.CategoryInvalidArgs,
			"unknown resource %q", resource).
			WithData("path", "resource_name").
			WithData("known_resources", Resources())
	}

	s.mu.Lock()
	if cached, ok := s.cache[resource]; ok && s.clk.Now().Sub(cached.computedAt) < s.ttl {
		s.mu.Unlock()
		return cached.info, nil
	}
	s.mu.Unlock()

	info := s.compute(resource, deps)

	s.mu.Lock()
	s.cache[resource] = cachedResource{info: info, computedAt: s.clk.Now()}
	s.mu.Unlock()
	return info, nil
}

func (s *Supervisor) compute(resource string, deps []string) ResourceInfo {
	info := ResourceInfo{Status: ResourceReady, DependenciesMet: true, Available: true}

	for _, dep := range deps {
		s.mu.Lock()
		check, registered := s.deps[dep]
		s.mu.Unlock()

		if !registered {
			info.DependenciesMet = false
			info.Available = false
			info.Status = ResourceInitializing
			info.MissingDependencies = append(info.MissingDependencies, dep)
			info.BlockingIssues = append(info.BlockingIssues, fmt.Sprintf("dependency %s is not initialized", dep))
			continue
		}
		ok, issue := check()
		if !ok {
			info.DependenciesMet = false
			info.Available = false
			info.Status = ResourceUnavailable
			info.MissingDependencies = append(info.MissingDependencies, dep)
			if issue == "" {
				issue = fmt.Sprintf("dependency %s is not healthy", dep)
			}
			info.BlockingIssues = append(info.BlockingIssues, issue)
		}
	}

	logging.ResourcesDebug("resource %s: %s (deps met: %v)", resource, info.Status, info.DependenciesMet)
	return info
}

// AllStatuses computes every resource's availability.
func (s *Supervisor) AllStatuses() map[string]ResourceInfo {
	out := make(map[string]ResourceInfo, len(dependencyGraph))
	for _, name := range Resources() {
		info, err := s.Status(name)
		if err != nil {
			continue
		}
		out[name] = info
	}
	return out
}

// Require returns a ResourceUnavailable error when the named resource is
// gated. Handlers call this before doing any work.
func (s *Supervisor) Require(resource string) error {
	info, err := s.Status(resource)
	if err != nil {
		return err
	}
	if info.Available {
		return nil
	}
	logging.Resources("blocked: resource %s unavailable (missing: %v)", resource, info.MissingDependencies)
	return snowerr.New(snowerr.CategoryResource, "resource %q is not available", resource).
		WithData("missing_dependencies", info.MissingDependencies).
		WithData("blocking_issues", info.BlockingIssues).
		WithSuggestions("Run check_resource_dependencies for details")
}

// Invalidate drops cached statuses (all when resource is "").
func (s *Supervisor) Invalidate(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resource == "" {
		s.cache = make(map[string]cachedResource)
		return
	}
	delete(s.cache, resource)
}
