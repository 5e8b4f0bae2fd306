package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/anvil-platform/capstan/capability"
)

type nopInstance struct{}

func (nopInstance) Initialize(context.Context) error { return nil }
func (nopInstance) Start(context.Context) error      { return nil }
func (nopInstance) Stop(context.Context) error       { return nil }
func (nopInstance) Cleanup(context.Context) error    { return nil }

func nopFactory(context.Context, capability.Deps) (capability.Instance, error) {
	return nopInstance{}, nil
}

func desc(name string, provides []capability.Provision, requires []capability.Requirement) capability.Descriptor {
	return capability.Descriptor{
		Name:     name,
		Provides: provides,
		Requires: requires,
		Factory:  nopFactory,
	}
}

func register(t *testing.T, r *Registry, descs ...capability.Descriptor) {
	t.Helper()
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%q): %v", d.Name, err)
		}
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	r := New(nil)
	register(t, r, desc("a", nil, nil))

	err := r.Register(desc("a", nil, nil))
	if !errors.Is(err, capability.ErrDuplicateCapability) {
		t.Fatalf("expected ErrDuplicateCapability, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)

	cases := []struct {
		name string
		d    capability.Descriptor
	}{
		{"empty name", desc("", nil, nil)},
		{"nil factory", capability.Descriptor{Name: "a"}},
		{"bad provision version", desc("a",
			[]capability.Provision{{ContractID: "cap.x", Version: "latest"}}, nil)},
		{"bad requirement constraint", desc("a", nil,
			[]capability.Requirement{{ContractID: "cap.x", VersionConstraint: ">>nope"}})},
		{"duplicate provision", desc("a", []capability.Provision{
			{ContractID: "cap.x", Version: "1.0.0"},
			{ContractID: "cap.x", Version: "2.0.0"},
		}, nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.Register(tc.d); !errors.Is(err, capability.ErrInvalidDescriptor) {
				t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
			}
		})
	}
}

// Scenario: A provides X; C and B require X and provide Y and Z; D requires
// Y and Z. Expected order: A first, then C and B in registration order, then
// D.
func TestInitializationOrderScenario(t *testing.T) {
	r := New(nil)
	register(t, r,
		desc("A", []capability.Provision{{ContractID: "cap.x", Version: "1.0.0"}}, nil),
		desc("C",
			[]capability.Provision{{ContractID: "cap.y", Version: "1.0.0"}},
			[]capability.Requirement{{ContractID: "cap.x", VersionConstraint: "^1.0"}}),
		desc("B",
			[]capability.Provision{{ContractID: "cap.z", Version: "1.0.0"}},
			[]capability.Requirement{{ContractID: "cap.x", VersionConstraint: "^1.0"}}),
		desc("D", nil, []capability.Requirement{
			{ContractID: "cap.y", VersionConstraint: "*"},
			{ContractID: "cap.z", VersionConstraint: "*"},
		}),
	)

	order, err := r.InitializationOrder()
	if err != nil {
		t.Fatalf("InitializationOrder: %v", err)
	}
	want := []string{"A", "C", "B", "D"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	// Same registration history computed twice yields the same sequence.
	again, err := r.InitializationOrder()
	if err != nil {
		t.Fatalf("InitializationOrder: %v", err)
	}
	if !reflect.DeepEqual(order, again) {
		t.Fatalf("order not deterministic: %v then %v", order, again)
	}

	if unresolved := r.Unresolved(); len(unresolved) != 0 {
		t.Fatalf("expected everything auto-bound, unresolved: %+v", unresolved)
	}
}

// Scenario: customer -> order -> inventory already bound; binding inventory
// back to customer must fail and leave everything untouched.
func TestBindCycleRejectedAtomically(t *testing.T) {
	r := New(nil)
	register(t, r,
		desc("customer",
			[]capability.Provision{{ContractID: "cap.customer", Version: "1.0.0"}},
			[]capability.Requirement{{ContractID: "cap.inventory", VersionConstraint: "*"}}),
		desc("order",
			[]capability.Provision{{ContractID: "cap.order", Version: "1.0.0"}},
			[]capability.Requirement{{ContractID: "cap.customer", VersionConstraint: "*"}}),
	)

	// Ordering matters here: inventory requires cap.order, so auto-bind at
	// registration makes inventory -> order. customer -> inventory would
	// then close the loop via order -> customer.
	register(t, r, desc("inventory",
		[]capability.Provision{{ContractID: "cap.inventory", Version: "1.0.0"}},
		[]capability.Requirement{{ContractID: "cap.order", VersionConstraint: "*"}}))

	// The first two edges linearize fine before the cycle attempt.
	order, err := r.InitializationOrder()
	if err != nil {
		t.Fatalf("InitializationOrder: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3-node order, got %v", order)
	}

	// Auto-bind must have skipped the cycle-closing edge silently.
	unresolved := r.Unresolved()
	if len(unresolved) != 1 || unresolved[0].Consumer != "customer" {
		t.Fatalf("expected customer's cap.inventory requirement unresolved, got %+v", unresolved)
	}

	before := r.Bindings()
	err = r.Bind("customer", "inventory", "cap.inventory")
	if !errors.Is(err, capability.ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
	after := r.Bindings()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("bindings changed by rejected Bind: before=%v after=%v", before, after)
	}
	if again, err := r.InitializationOrder(); err != nil || !reflect.DeepEqual(order, again) {
		t.Fatalf("graph changed by rejected Bind: %v (err=%v)", again, err)
	}
}

func TestBindContractMismatch(t *testing.T) {
	r := New(nil)
	register(t, r,
		desc("provider", []capability.Provision{{ContractID: "cap.a", Version: "1.0.0"}}, nil),
		desc("consumer", nil, []capability.Requirement{
			{ContractID: "cap.b", VersionConstraint: "*"},
			{ContractID: "cap.c", VersionConstraint: "^2.0"},
		}),
		desc("old-provider", []capability.Provision{{ContractID: "cap.c", Version: "1.0.0"}}, nil),
	)

	// Provider does not provide the contract.
	err := r.Bind("consumer", "provider", "cap.b")
	if !errors.Is(err, capability.ErrContractMismatch) {
		t.Fatalf("expected ErrContractMismatch (not provided), got %v", err)
	}
	// Consumer does not require the contract.
	err = r.Bind("consumer", "provider", "cap.a")
	if !errors.Is(err, capability.ErrContractMismatch) {
		t.Fatalf("expected ErrContractMismatch (not required), got %v", err)
	}
	// Declared versions incompatible.
	err = r.Bind("consumer", "old-provider", "cap.c")
	if !errors.Is(err, capability.ErrContractMismatch) {
		t.Fatalf("expected ErrContractMismatch (version), got %v", err)
	}
	if len(r.Bindings()) != 0 {
		t.Fatalf("mismatched binds must not create edges: %v", r.Bindings())
	}
}

func TestBindUnknownCapability(t *testing.T) {
	r := New(nil)
	register(t, r, desc("a", nil, nil))

	if err := r.Bind("ghost", "a", "cap.x"); !errors.Is(err, capability.ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability for consumer, got %v", err)
	}
	if err := r.Bind("a", "ghost", "cap.x"); !errors.Is(err, capability.ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability for provider, got %v", err)
	}
}

func TestBindDuplicateBinding(t *testing.T) {
	r := New(nil)
	register(t, r,
		desc("p1", []capability.Provision{{ContractID: "cap.x", Version: "1.0.0"}}, nil),
		desc("p2", []capability.Provision{{ContractID: "cap.x", Version: "1.1.0"}}, nil),
		desc("c", nil, []capability.Requirement{{ContractID: "cap.x", VersionConstraint: "*"}}),
	)

	// Auto-bind already satisfied c's requirement.
	if err := r.Bind("c", "p1", "cap.x"); !errors.Is(err, capability.ErrDuplicateBinding) {
		t.Fatalf("expected ErrDuplicateBinding, got %v", err)
	}
}

func TestAutoBindSelectsHighestVersionThenRegistrationOrder(t *testing.T) {
	r := New(nil)
	register(t, r,
		desc("older", []capability.Provision{{ContractID: "cap.x", Version: "1.0.0"}}, nil),
		desc("newer", []capability.Provision{{ContractID: "cap.x", Version: "1.5.0"}}, nil),
		desc("consumer", nil, []capability.Requirement{
			{ContractID: "cap.x", VersionConstraint: ">=1.0.0 <2.0.0"},
		}),
	)

	bindings := r.BindingsFor("consumer")
	if len(bindings) != 1 {
		t.Fatalf("expected 1 binding, got %v", bindings)
	}
	if bindings[0].Provider != "newer" || bindings[0].ProviderVersion != "1.5.0" {
		t.Fatalf("expected highest compatible provider, got %+v", bindings[0])
	}

	// Tie on version: earlier registration wins.
	r2 := New(nil)
	register(t, r2,
		desc("first", []capability.Provision{{ContractID: "cap.y", Version: "2.0.0"}}, nil),
		desc("second", []capability.Provision{{ContractID: "cap.y", Version: "2.0.0"}}, nil),
		desc("consumer", nil, []capability.Requirement{{ContractID: "cap.y", VersionConstraint: "^2.0"}}),
	)
	bindings = r2.BindingsFor("consumer")
	if len(bindings) != 1 || bindings[0].Provider != "first" {
		t.Fatalf("expected tie-break by registration order, got %+v", bindings)
	}
}

func TestAutoBindLateProviderSatisfiesWaitingConsumer(t *testing.T) {
	r := New(nil)
	register(t, r, desc("consumer", nil,
		[]capability.Requirement{{ContractID: "cap.x", VersionConstraint: "^1.0"}}))

	if unresolved := r.Unresolved(); len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved requirement, got %+v", unresolved)
	}

	register(t, r, desc("provider",
		[]capability.Provision{{ContractID: "cap.x", Version: "1.2.0"}}, nil))

	if unresolved := r.Unresolved(); len(unresolved) != 0 {
		t.Fatalf("late provider should have been auto-bound, unresolved: %+v", unresolved)
	}
	bindings := r.BindingsFor("consumer")
	if len(bindings) != 1 || bindings[0].Provider != "provider" {
		t.Fatalf("unexpected bindings: %+v", bindings)
	}
}

func TestUnresolvedReportsOptionalFlag(t *testing.T) {
	r := New(nil)
	register(t, r, desc("consumer", nil, []capability.Requirement{
		{ContractID: "cap.must", VersionConstraint: "*"},
		{ContractID: "cap.may", VersionConstraint: "*", Optional: true},
	}))

	unresolved := r.Unresolved()
	if len(unresolved) != 2 {
		t.Fatalf("expected 2 unresolved, got %+v", unresolved)
	}
	if unresolved[0].Optional || !unresolved[1].Optional {
		t.Fatalf("optional flags wrong: %+v", unresolved)
	}
}

func TestDescriptorCopyIsolation(t *testing.T) {
	r := New(nil)
	d := desc("a", []capability.Provision{{ContractID: "cap.x", Version: "1.0.0"}}, nil)
	register(t, r, d)

	// Mutating the caller's slice after registration must not leak in.
	d.Provides[0].Version = "9.9.9"

	got, ok := r.Descriptor("a")
	if !ok {
		t.Fatalf("Descriptor(a) missing")
	}
	if got.Provides[0].Version != "1.0.0" {
		t.Fatalf("registered descriptor mutated externally: %+v", got.Provides[0])
	}
}
