// Package lifecycle drives capability instances through their lifecycle in
// the registry's initialization order: instantiate, inject dependencies,
// initialize and start each capability front to back, and tear everything
// down back to front.
//
// Startup is all-or-nothing with ordered rollback: resources must not leak
// if the system never reaches Running. Shutdown is best-effort and total: a
// failing capability must not prevent its siblings from releasing theirs.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/anvil-platform/capstan/capability"
	"github.com/anvil-platform/capstan/registry"
)

// State is the whole-system lifecycle state.
type State string

const (
	StateNotStarted    State = "not-started"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateStartupFailed State = "startup-failed"
)

// ErrInvalidState indicates a lifecycle call from the wrong system state
// (StartAll outside NotStarted, StopAll outside Running).
var ErrInvalidState = errors.New("lifecycle: invalid state for operation")

type instance struct {
	name  string
	inst  capability.Instance
	state capability.InstanceState
}

// Manager owns every capability instance from creation to cleanup. The
// registry stays the source of truth for descriptors and order; the manager
// only reads it.
type Manager struct {
	mu sync.Mutex

	log       *zap.Logger
	reg       *registry.Registry
	state     State
	instances map[string]*instance
	started   []string // names in actual start order, for reverse shutdown
}

// New builds a manager over a populated registry. A nil logger disables
// logging.
func New(reg *registry.Registry, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:       log,
		reg:       reg,
		state:     StateNotStarted,
		instances: make(map[string]*instance),
	}
}

// State returns the system state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InstanceState returns the lifecycle state of one capability's instance.
func (m *Manager) InstanceState(name string) (capability.InstanceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.instances[name]
	if !ok {
		return "", false
	}
	return rt.state, true
}

// StartAll instantiates, initializes and starts every registered capability
// in initialization order. Requires StateNotStarted.
//
// Any failure — factory, injection, initialize, start, or cancellation of
// ctx — moves the system to StartupFailed, rolls back every already-started
// capability in strict reverse order (best effort), and returns a
// *capability.InitializationError carrying the failing capability's name and
// cause. The rollback's own failures are logged, never returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateNotStarted {
		return fmt.Errorf("%w: StartAll requires %s, state is %s", ErrInvalidState, StateNotStarted, m.state)
	}
	m.state = StateStarting
	begin := time.Now()

	order, err := m.reg.InitializationOrder()
	if err != nil {
		m.state = StateStartupFailed
		return err
	}

	// Unmet required contracts fail fast here instead of deep inside some
	// factory call later.
	for _, u := range m.reg.Unresolved() {
		if u.Optional {
			continue
		}
		m.state = StateStartupFailed
		return &capability.InitializationError{
			Capability: u.Consumer,
			Stage:      capability.StagePreflight,
			Err: fmt.Errorf("%w: %q (constraint %q)",
				capability.ErrUnmetRequirement, u.ContractID, u.VersionConstraint),
		}
	}

	m.log.Info("starting capabilities", zap.Strings("order", order))

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return m.abortStartup(ctx, name, capability.StageFactory, err)
		}

		deps, err := m.resolveDeps(name)
		if err != nil {
			return m.abortStartup(ctx, name, capability.StageInject, err)
		}

		desc, ok := m.reg.Descriptor(name)
		if !ok {
			return m.abortStartup(ctx, name, capability.StageFactory,
				fmt.Errorf("%w: %q disappeared from registry", capability.ErrUnknownCapability, name))
		}

		inst, err := desc.Factory(ctx, deps)
		if err != nil {
			return m.abortStartup(ctx, name, capability.StageFactory, err)
		}
		rt := &instance{name: name, inst: inst, state: capability.StateCreated}
		m.instances[name] = rt

		if err := inst.Initialize(ctx); err != nil {
			rt.state = capability.StateFailed
			return m.abortStartup(ctx, name, capability.StageInitialize, err)
		}
		rt.state = capability.StateInitialized

		if err := inst.Start(ctx); err != nil {
			rt.state = capability.StateFailed
			return m.abortStartup(ctx, name, capability.StageStart, err)
		}
		rt.state = capability.StateStarted
		m.started = append(m.started, name)
		capabilityStartTotal.WithLabelValues(name).Inc()
		capabilitiesRunning.Inc()
		m.log.Info("capability started", zap.String("capability", name))
	}

	m.state = StateRunning
	startupDuration.Observe(time.Since(begin).Seconds())
	m.log.Info("all capabilities running", zap.Int("count", len(m.started)))
	return nil
}

// StopAll stops every started capability in exact reverse of the order they
// were started. Requires StateRunning.
//
// Every instance gets its full stop → release-resources → close-connections
// → cleanup sequence exactly once, each step best-effort. The return value
// combines all per-instance failures (unwrap with multierr.Errors and
// errors.As against *capability.ShutdownError); nil means a clean shutdown.
// The system always reaches StateStopped.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: StopAll requires %s, state is %s", ErrInvalidState, StateRunning, m.state)
	}
	m.state = StateStopping
	m.log.Info("stopping capabilities", zap.Int("count", len(m.started)))

	var failures []error
	for i := len(m.started) - 1; i >= 0; i-- {
		for _, serr := range m.teardown(ctx, m.started[i]) {
			failures = append(failures, serr)
		}
	}
	m.started = nil
	m.state = StateStopped

	if len(failures) > 0 {
		m.log.Warn("shutdown finished with failures", zap.Int("failures", len(failures)))
	} else {
		m.log.Info("shutdown clean")
	}
	return multierr.Combine(failures...)
}

// abortStartup runs with the lock held: records the failure, unwinds every
// already-started capability in reverse, and shapes the definitive result of
// StartAll. The unwind runs detached from ctx so a cancellation that killed
// startup cannot also kill the rollback.
func (m *Manager) abortStartup(ctx context.Context, name string, stage capability.Stage, cause error) error {
	capabilityStartErrorTotal.WithLabelValues(name, string(stage)).Inc()
	m.log.Error("startup failed, rolling back",
		zap.String("capability", name),
		zap.String("stage", string(stage)),
		zap.Int("started", len(m.started)),
		zap.Error(cause),
	)

	rollbackCtx := context.WithoutCancel(ctx)
	for i := len(m.started) - 1; i >= 0; i-- {
		for _, serr := range m.teardown(rollbackCtx, m.started[i]) {
			m.log.Warn("rollback step failed", zap.Error(serr))
		}
	}
	m.started = nil
	m.state = StateStartupFailed

	return &capability.InitializationError{Capability: name, Stage: stage, Err: cause}
}

// teardown runs one instance through stop, release-resources,
// close-connections and cleanup, best-effort, and returns whatever failed.
// The instance ends Failed if any step errored, CleanedUp otherwise.
func (m *Manager) teardown(ctx context.Context, name string) []*capability.ShutdownError {
	rt := m.instances[name]
	if rt == nil {
		return nil
	}

	var failures []*capability.ShutdownError
	record := func(stage capability.Stage, err error) {
		if err == nil {
			return
		}
		shutdownErrorTotal.WithLabelValues(name, string(stage)).Inc()
		failures = append(failures, &capability.ShutdownError{Capability: name, Stage: stage, Err: err})
		m.log.Warn("shutdown step failed",
			zap.String("capability", name),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}

	record(capability.StageStop, rt.inst.Stop(ctx))
	rt.state = capability.StateStopped
	capabilitiesRunning.Dec()

	if rr, ok := rt.inst.(capability.ResourceReleaser); ok {
		record(capability.StageReleaseResources, rr.ReleaseResources(ctx))
	}
	if cc, ok := rt.inst.(capability.ConnectionCloser); ok {
		record(capability.StageCloseConnections, cc.CloseConnections(ctx))
	}
	record(capability.StageCleanup, rt.inst.Cleanup(ctx))

	if len(failures) > 0 {
		rt.state = capability.StateFailed
	} else {
		rt.state = capability.StateCleanedUp
	}
	delete(m.instances, name)
	m.log.Info("capability torn down",
		zap.String("capability", name),
		zap.String("final", string(rt.state)),
	)
	return failures
}

// resolveDeps builds the dependency view for one consumer from its bindings.
// Providers precede consumers in the initialization order, so every provider
// instance must already be started; a missing one is an internal error.
func (m *Manager) resolveDeps(name string) (capability.Deps, error) {
	byContract := make(map[string]capability.Instance)
	byProvider := make(map[string]capability.Instance)
	for _, b := range m.reg.BindingsFor(name) {
		rt, ok := m.instances[b.Provider]
		if !ok || rt.state != capability.StateStarted {
			return capability.Deps{}, fmt.Errorf("%w: provider %q for contract %q not started",
				capability.ErrGraphInvariant, b.Provider, b.ContractID)
		}
		byContract[b.ContractID] = rt.inst
		byProvider[b.Provider] = rt.inst
	}
	return capability.NewDeps(byContract, byProvider), nil
}
