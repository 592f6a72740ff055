// Package bus is the in-process A2A transport: a registry of logical agent
// ids to handler functions, with envelope wrapping, shape validation, and a
// per-call timeout. The bus never interprets payloads and never retries;
// retry is the caller's choice.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/contract"
)

// ErrNoSuchAgent is returned when the target agent id has no handler.
var ErrNoSuchAgent = errors.New("no such agent")

// Handler processes one request payload and returns the response payload.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Bus routes envelopes to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger

	// sendObserver, when set, sees every validated envelope before dispatch.
	// Used by metrics and by tests that assert on traffic.
	sendObserver func(env contract.Envelope)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		logger:   slog.Default().With("component", "a2a-bus"),
	}
}

// Register binds an agent id to a handler. Registering an id twice replaces
// the previous handler.
func (b *Bus) Register(agentID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[agentID] = h
}

// OnSend installs an observer invoked for every validated outbound envelope.
func (b *Bus) OnSend(fn func(env contract.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendObserver = fn
}

// Send wraps payload in an envelope from from to to and dispatches it under
// the supplied timeout. The handler's return value is the response payload.
func (b *Bus) Send(ctx context.Context, from, to string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	env := contract.NewEnvelope(from, to, CorrelationID(ctx), payload)
	return b.SendEnvelope(ctx, env, timeout)
}

// SendEnvelope validates and dispatches a pre-built envelope.
func (b *Bus) SendEnvelope(ctx context.Context, env contract.Envelope, timeout time.Duration) (map[string]any, error) {
	if err := contract.ValidateEnvelope(env.ToMap()); err != nil {
		return nil, err
	}

	b.mu.RLock()
	handler, ok := b.handlers[env.ToAgent]
	observer := b.sendObserver
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchAgent, env.ToAgent)
	}
	if observer != nil {
		observer(env)
	}

	b.logger.Debug("Dispatching envelope",
		"message_id", env.MessageID,
		"from", env.FromAgent,
		"to", env.ToAgent,
		"correlation_id", env.CorrelationID)

	return async.DeadlineRace(ctx, "a2a send to "+env.ToAgent, timeout,
		func(raceCtx context.Context) (map[string]any, error) {
			return handler(raceCtx, env.Payload)
		})
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the correlation id (normally
// the incident id) attached to every envelope sent under it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from the context, generating
// none: callers without one get "uncorrelated".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return "uncorrelated"
}
