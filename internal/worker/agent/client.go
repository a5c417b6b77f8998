package agent

import "context"

// PermissionDecision is the driver's verdict on a pre-tool permission check.
type PermissionDecision struct {
	// Allow lets the tool run. UpdatedInput, when non-nil, replaces the tool
	// input (the ask-user rendezvous injects answers this way).
	Allow        bool
	UpdatedInput map[string]any
	// Message explains a denial to the agent.
	Message string
	// Interrupt terminates the session after the denial is delivered.
	Interrupt bool
}

// PermissionFunc decides whether the agent may run a tool. It is called from
// the client's receive path and may block, suspending the agent in-place.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) PermissionDecision

// Client is one agent session. Production uses the subprocess client speaking
// the stream-json protocol; tests and mock mode use scripted scenarios.
type Client interface {
	// Start launches the session with the initial prompt. Messages arrive on
	// the returned channel until the stream ends, the context is cancelled, or
	// Interrupt is called; the channel is then closed. onPermission may be nil,
	// in which case every tool is allowed.
	Start(ctx context.Context, prompt string, onPermission PermissionFunc) (<-chan Message, error)
	// Interrupt asks the agent to stop after the current message.
	Interrupt(ctx context.Context) error
	// Close releases the session. Safe to call twice.
	Close() error
}
