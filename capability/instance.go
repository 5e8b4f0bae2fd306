package capability

import "context"

// Instance is the runtime object a capability factory produces. The
// lifecycle manager drives the four calls in order and treats every returned
// error opaquely (wrapped, never interpreted).
type Instance interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// ResourceReleaser is an optional extension run between Stop and Cleanup
// during shutdown.
type ResourceReleaser interface {
	ReleaseResources(ctx context.Context) error
}

// ConnectionCloser is an optional extension run after ReleaseResources and
// before Cleanup during shutdown.
type ConnectionCloser interface {
	CloseConnections(ctx context.Context) error
}

// InstanceState tracks where a single instance is in its lifecycle.
// Failed is terminal and reachable from any non-terminal state.
type InstanceState string

const (
	StateCreated     InstanceState = "created"
	StateInitialized InstanceState = "initialized"
	StateStarted     InstanceState = "started"
	StateStopped     InstanceState = "stopped"
	StateCleanedUp   InstanceState = "cleanedup"
	StateFailed      InstanceState = "failed"
)

// Stage names the lifecycle step an error occurred in.
type Stage string

const (
	StagePreflight        Stage = "preflight"
	StageFactory          Stage = "factory"
	StageInject           Stage = "inject"
	StageInitialize       Stage = "initialize"
	StageStart            Stage = "start"
	StageStop             Stage = "stop"
	StageReleaseResources Stage = "release-resources"
	StageCloseConnections Stage = "close-connections"
	StageCleanup          Stage = "cleanup"
)
