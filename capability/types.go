// Package capability defines the descriptor contract between capability
// authors and the registry/lifecycle core: what a capability is named, which
// contracts it provides and requires, and the runtime instance its factory
// produces.
package capability

import "context"

// Provision declares a contract a capability offers: a stable string
// identifier plus the concrete semantic version it implements.
type Provision struct {
	ContractID string
	Version    string
}

// Requirement declares a contract a capability needs, with the semver range
// it accepts (e.g. "^1.2", ">=1.0.0 <2.0.0", "*").
//
// Optional requirements never block startup; unmet required ones fail
// StartAll before anything is instantiated.
type Requirement struct {
	ContractID        string
	VersionConstraint string
	Optional          bool
}

// Factory produces the runnable instance for a capability. The deps argument
// carries the already-started instances of every bound provider.
type Factory func(ctx context.Context, deps Deps) (Instance, error)

// Descriptor is the registration input for one capability. It is copied on
// registration and never mutated afterwards; re-registration under the same
// name is rejected.
type Descriptor struct {
	Name     string
	Provides []Provision
	Requires []Requirement
	Factory  Factory
}

// Binding records one validated consumer→provider edge for a contract.
// Bindings are derived state: they are created by the registry (auto-bind or
// explicit Bind) and only ever observed by callers.
type Binding struct {
	Consumer        string
	Provider        string
	ContractID      string
	ProviderVersion string
}

// Deps exposes the resolved provider instances a factory may hold on to.
// Lookup is by contract ID (what the consumer declared) or by provider name.
type Deps struct {
	byContract map[string]Instance
	byProvider map[string]Instance
}

// NewDeps builds a dependency view from bindings resolved to live instances.
// Keys of byContract are contract IDs, keys of byProvider are capability
// names.
func NewDeps(byContract, byProvider map[string]Instance) Deps {
	return Deps{byContract: byContract, byProvider: byProvider}
}

// Contract returns the instance bound to the given contract ID.
func (d Deps) Contract(contractID string) (Instance, bool) {
	inst, ok := d.byContract[contractID]
	return inst, ok
}

// Provider returns the instance of the named provider capability.
func (d Deps) Provider(name string) (Instance, bool) {
	inst, ok := d.byProvider[name]
	return inst, ok
}
