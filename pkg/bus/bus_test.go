package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/contract"
)

func TestSendRoutesToHandler(t *testing.T) {
	b := New()
	b.Register(AgentTriage, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"echo": payload["task"]}, nil
	})

	ctx := WithCorrelationID(context.Background(), "INC-2026-abc12")
	response, err := b.Send(ctx, AgentCoordinator, AgentTriage, map[string]any{"task": "triage_alert"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "triage_alert", response["echo"])
}

func TestSendUnknownAgent(t *testing.T) {
	b := New()
	_, err := b.Send(context.Background(), AgentCoordinator, "vigil-nobody", map[string]any{}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSuchAgent)
}

func TestSendEnforcesTimeout(t *testing.T) {
	b := New()
	b.Register(AgentExecutor, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	_, err := b.Send(context.Background(), AgentCoordinator, AgentExecutor, map[string]any{}, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, async.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendEnvelopeRejectsMalformed(t *testing.T) {
	b := New()
	b.Register(AgentTriage, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		t.Fatal("handler must not run for a malformed envelope")
		return nil, nil
	})

	env := contract.Envelope{
		// MessageID intentionally empty.
		FromAgent:     AgentCoordinator,
		ToAgent:       AgentTriage,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: "INC-2026-abc12",
		Payload:       map[string]any{},
	}
	_, err := b.SendEnvelope(context.Background(), env, time.Second)
	require.Error(t, err)

	var ve *contract.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestOnSendObserver(t *testing.T) {
	b := New()
	b.Register(AgentVerifier, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	var observed []string
	b.OnSend(func(env contract.Envelope) {
		observed = append(observed, env.ToAgent)
	})

	_, err := b.Send(context.Background(), AgentCoordinator, AgentVerifier, map[string]any{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{AgentVerifier}, observed)
}

func TestCorrelationIDDefault(t *testing.T) {
	assert.Equal(t, "uncorrelated", CorrelationID(context.Background()))
	ctx := WithCorrelationID(context.Background(), "INC-2026-zzzzz")
	assert.Equal(t, "INC-2026-zzzzz", CorrelationID(ctx))
}
