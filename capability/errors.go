package capability

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateCapability indicates a Register call reusing a name.
	ErrDuplicateCapability = errors.New("capability: duplicate capability name")

	// ErrUnknownCapability indicates a Bind call naming an unregistered capability.
	ErrUnknownCapability = errors.New("capability: unknown capability")

	// ErrContractMismatch indicates the provider does not provide, or the
	// consumer does not require, the named contract — or the declared
	// versions are incompatible.
	ErrContractMismatch = errors.New("capability: contract mismatch")

	// ErrCircularDependency indicates an edge that would close a dependency
	// cycle. The graph is left unchanged when this is returned.
	ErrCircularDependency = errors.New("capability: circular dependency")

	// ErrDuplicateBinding indicates the consumer's requirement for that
	// contract is already bound to a provider.
	ErrDuplicateBinding = errors.New("capability: requirement already bound")

	// ErrInvalidDescriptor indicates a descriptor that cannot be registered:
	// empty name, nil factory, unparseable version or constraint, or a
	// contract declared twice.
	ErrInvalidDescriptor = errors.New("capability: invalid descriptor")

	// ErrUnmetRequirement indicates a required contract with no binding at
	// StartAll time.
	ErrUnmetRequirement = errors.New("capability: unmet required contract")

	// ErrGraphInvariant indicates the dependency graph held a cycle that
	// slipped past edge-time checks. Internal invariant violation; should
	// never surface in correct operation.
	ErrGraphInvariant = errors.New("capability: dependency graph invariant violated")
)

// InitializationError is the definite result of a failed StartAll: the
// capability whose factory/initialize/start step failed, and the underlying
// cause. Rollback of previously started capabilities has already happened by
// the time the caller sees it.
type InitializationError struct {
	Capability string
	Stage      Stage
	Err        error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("capability %q failed during %s: %v", e.Capability, e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ShutdownError records one best-effort shutdown step that failed. It is
// collected, never thrown mid-loop: shutdown always attempts every instance.
type ShutdownError struct {
	Capability string
	Stage      Stage
	Err        error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("capability %q failed during %s: %v", e.Capability, e.Stage, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }
