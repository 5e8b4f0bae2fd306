// Package registry owns the set of registered capability descriptors and
// the dependency graph between them. It is the sole mutator of graph state:
// every register/bind call runs under one lock covering the whole
// check-and-insert, so concurrent writers can never observe or produce a
// torn graph.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/anvil-platform/capstan/capability"
	"github.com/anvil-platform/capstan/internal/graph"
	"github.com/anvil-platform/capstan/internal/semver"
)

// Unresolved describes a requirement with no binding. Unmet required
// requirements are a registration-time warning and a StartAll-time failure;
// unmet optional ones are informational only.
type Unresolved struct {
	Consumer          string
	ContractID        string
	VersionConstraint string
	Optional          bool
	Reason            string
}

// Registry holds descriptors, bindings and the dependency graph. Safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex

	log         *zap.Logger
	descriptors map[string]*capability.Descriptor
	order       []string // registration order, parallel to graph sequence
	graph       *graph.DependencyGraph
	bindings    []capability.Binding
	bound       map[string]map[string]int // consumer -> contractID -> index into bindings
}

// New builds an empty registry. A nil logger disables logging.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:         log,
		descriptors: make(map[string]*capability.Descriptor),
		graph:       graph.New(),
		bound:       make(map[string]map[string]int),
	}
}

// Register validates and stores a descriptor, adds its graph node, then
// auto-binds: every requirement of the new capability is matched against
// already-registered providers, and every unmet requirement of existing
// capabilities is matched against the new capability's provisions. Auto-bind
// failures are skipped, not propagated — a capability may legitimately sit
// with unmet requirements until a later registration satisfies them.
func (r *Registry) Register(desc capability.Descriptor) error {
	if err := validate(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.descriptors[desc.Name]; ok {
		return fmt.Errorf("%w: %q", capability.ErrDuplicateCapability, desc.Name)
	}
	if err := r.graph.AddNode(desc.Name); err != nil {
		// Name set and node set move in lockstep; a mismatch is a bug here.
		return fmt.Errorf("%w: %v", capability.ErrGraphInvariant, err)
	}

	stored := copyDescriptor(desc)
	r.descriptors[desc.Name] = stored
	r.order = append(r.order, desc.Name)
	r.log.Info("capability registered",
		zap.String("capability", desc.Name),
		zap.Int("provides", len(desc.Provides)),
		zap.Int("requires", len(desc.Requires)),
	)

	r.autoBind(stored)
	return nil
}

// Bind validates and records one consumer→provider binding for a contract.
// All failure cases leave bindings and the graph byte-for-byte unchanged.
func (r *Registry) Bind(consumerName, providerName, contractID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bind(consumerName, providerName, contractID)
}

func (r *Registry) bind(consumerName, providerName, contractID string) error {
	consumer, ok := r.descriptors[consumerName]
	if !ok {
		return fmt.Errorf("%w: consumer %q", capability.ErrUnknownCapability, consumerName)
	}
	provider, ok := r.descriptors[providerName]
	if !ok {
		return fmt.Errorf("%w: provider %q", capability.ErrUnknownCapability, providerName)
	}

	req, ok := findRequirement(consumer, contractID)
	if !ok {
		return fmt.Errorf("%w: %q does not require contract %q",
			capability.ErrContractMismatch, consumerName, contractID)
	}
	prov, ok := findProvision(provider, contractID)
	if !ok {
		return fmt.Errorf("%w: %q does not provide contract %q",
			capability.ErrContractMismatch, providerName, contractID)
	}
	if !capability.Satisfies(prov, req) {
		return fmt.Errorf("%w: %q provides %s@%s, %q requires %q",
			capability.ErrContractMismatch,
			providerName, contractID, prov.Version, consumerName, req.VersionConstraint)
	}
	if _, bound := r.bound[consumerName][contractID]; bound {
		return fmt.Errorf("%w: %q already bound for contract %q",
			capability.ErrDuplicateBinding, consumerName, contractID)
	}

	// The cycle check and the insert are one atomic unit inside AddEdge; on
	// rejection nothing below runs and no state has changed.
	if err := r.graph.AddEdge(consumerName, providerName); err != nil {
		switch {
		case errors.Is(err, graph.ErrCycle):
			return fmt.Errorf("%w: binding %q -> %q for contract %q",
				capability.ErrCircularDependency, consumerName, providerName, contractID)
		default:
			return fmt.Errorf("%w: %v", capability.ErrGraphInvariant, err)
		}
	}

	if r.bound[consumerName] == nil {
		r.bound[consumerName] = make(map[string]int)
	}
	r.bound[consumerName][contractID] = len(r.bindings)
	r.bindings = append(r.bindings, capability.Binding{
		Consumer:        consumerName,
		Provider:        providerName,
		ContractID:      contractID,
		ProviderVersion: prov.Version,
	})
	r.log.Info("contract bound",
		zap.String("consumer", consumerName),
		zap.String("provider", providerName),
		zap.String("contract", contractID),
		zap.String("version", prov.Version),
	)
	return nil
}

// autoBind runs with the write lock held.
func (r *Registry) autoBind(newDesc *capability.Descriptor) {
	// New capability as consumer.
	for _, req := range newDesc.Requires {
		r.bindBestProvider(newDesc.Name, req)
	}
	// New capability as provider for everyone already waiting.
	for _, consumerName := range r.order {
		if consumerName == newDesc.Name {
			continue
		}
		consumer := r.descriptors[consumerName]
		for _, req := range consumer.Requires {
			if _, bound := r.bound[consumerName][req.ContractID]; bound {
				continue
			}
			if _, ok := findProvision(newDesc, req.ContractID); !ok {
				continue
			}
			if err := r.bind(consumerName, newDesc.Name, req.ContractID); err != nil {
				r.log.Warn("auto-bind skipped",
					zap.String("consumer", consumerName),
					zap.String("provider", newDesc.Name),
					zap.String("contract", req.ContractID),
					zap.Error(err),
				)
			}
		}
	}
}

// bindBestProvider tries registered providers for one requirement, best
// candidate first: highest satisfying version, registration order as the
// tie-break. Candidates rejected by the cycle check are skipped so a later
// candidate can still serve.
func (r *Registry) bindBestProvider(consumerName string, req capability.Requirement) {
	type candidate struct {
		name    string
		seq     int
		version semver.Version
	}

	candidates := make([]candidate, 0)
	for seq, providerName := range r.order {
		if providerName == consumerName {
			continue
		}
		prov, ok := findProvision(r.descriptors[providerName], req.ContractID)
		if !ok || !capability.Satisfies(prov, req) {
			continue
		}
		v, err := semver.ParseVersion(prov.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: providerName, seq: seq, version: v})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].version.Compare(candidates[j].version); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].seq < candidates[j].seq
	})

	for _, c := range candidates {
		err := r.bind(consumerName, c.name, req.ContractID)
		if err == nil {
			return
		}
		r.log.Warn("auto-bind skipped",
			zap.String("consumer", consumerName),
			zap.String("provider", c.name),
			zap.String("contract", req.ContractID),
			zap.Error(err),
		)
	}
}

// InitializationOrder returns a deterministic linearization in which every
// provider precedes all of its consumers.
func (r *Registry) InitializationOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, err := r.graph.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrGraphInvariant, err)
	}
	return order, nil
}

// Descriptor returns a copy of the named descriptor.
func (r *Registry) Descriptor(name string) (capability.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return capability.Descriptor{}, false
	}
	return *copyDescriptor(*desc), true
}

// Bindings returns all bindings in creation order.
func (r *Registry) Bindings() []capability.Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]capability.Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// BindingsFor returns the bindings in which name is the consumer.
func (r *Registry) BindingsFor(name string) []capability.Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]capability.Binding, 0)
	for _, b := range r.bindings {
		if b.Consumer == name {
			out = append(out, b)
		}
	}
	return out
}

// Unresolved reports every requirement without a binding, in registration
// order of the consumer.
func (r *Registry) Unresolved() []Unresolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Unresolved, 0)
	for _, name := range r.order {
		desc := r.descriptors[name]
		for _, req := range desc.Requires {
			if _, bound := r.bound[name][req.ContractID]; bound {
				continue
			}
			out = append(out, Unresolved{
				Consumer:          name,
				ContractID:        req.ContractID,
				VersionConstraint: req.VersionConstraint,
				Optional:          req.Optional,
				Reason:            "no compatible provider bound",
			})
		}
	}
	return out
}

func validate(desc capability.Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", capability.ErrInvalidDescriptor)
	}
	if desc.Factory == nil {
		return fmt.Errorf("%w: %q has no factory", capability.ErrInvalidDescriptor, desc.Name)
	}
	seenProv := make(map[string]bool, len(desc.Provides))
	for _, p := range desc.Provides {
		if p.ContractID == "" {
			return fmt.Errorf("%w: %q provides a contract with empty id",
				capability.ErrInvalidDescriptor, desc.Name)
		}
		if seenProv[p.ContractID] {
			return fmt.Errorf("%w: %q provides contract %q twice",
				capability.ErrInvalidDescriptor, desc.Name, p.ContractID)
		}
		seenProv[p.ContractID] = true
		if _, err := semver.ParseVersion(p.Version); err != nil {
			return fmt.Errorf("%w: %q provision %q: %v",
				capability.ErrInvalidDescriptor, desc.Name, p.ContractID, err)
		}
	}
	seenReq := make(map[string]bool, len(desc.Requires))
	for _, req := range desc.Requires {
		if req.ContractID == "" {
			return fmt.Errorf("%w: %q requires a contract with empty id",
				capability.ErrInvalidDescriptor, desc.Name)
		}
		if seenReq[req.ContractID] {
			return fmt.Errorf("%w: %q requires contract %q twice",
				capability.ErrInvalidDescriptor, desc.Name, req.ContractID)
		}
		seenReq[req.ContractID] = true
		raw := req.VersionConstraint
		if raw == "" {
			raw = "*"
		}
		if _, err := semver.ParseConstraint(raw); err != nil {
			return fmt.Errorf("%w: %q requirement %q: %v",
				capability.ErrInvalidDescriptor, desc.Name, req.ContractID, err)
		}
	}
	return nil
}

func copyDescriptor(desc capability.Descriptor) *capability.Descriptor {
	out := desc
	out.Provides = append([]capability.Provision(nil), desc.Provides...)
	out.Requires = append([]capability.Requirement(nil), desc.Requires...)
	return &out
}

func findProvision(desc *capability.Descriptor, contractID string) (capability.Provision, bool) {
	for _, p := range desc.Provides {
		if p.ContractID == contractID {
			return p, true
		}
	}
	return capability.Provision{}, false
}

func findRequirement(desc *capability.Descriptor, contractID string) (capability.Requirement, bool) {
	for _, req := range desc.Requires {
		if req.ContractID == contractID {
			return req, true
		}
	}
	return capability.Requirement{}, false
}
