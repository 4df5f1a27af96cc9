package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/supercall/pkg/callmanager"
	"github.com/agentplexus/supercall/pkg/config"
	"github.com/agentplexus/supercall/pkg/runtime"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider = "mock"
	cfg.Streaming.OpenAIAPIKey = "sk-test"
	cfg.Serve.Bind = "127.0.0.1"
	cfg.Serve.Port = 0
	cfg.Store = t.TempDir()
	// A loopback public origin makes the reachability preflight a
	// no-op, as in the callmanager tests.
	cfg.PublicURL = "http://127.0.0.1:9"

	rt, err := runtime.New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Boot(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func TestPersonaCall_BuildsPromptAndStoresMetadata(t *testing.T) {
	rt := newTestRuntime(t)

	rec, err := rt.PersonaCall(context.Background(), "+15550001234", "Robin, a courier dispatcher", "confirm the delivery window", "Hi, this is Robin calling about your delivery.", "s1")
	require.NoError(t, err)

	assert.Equal(t, callmanager.StateInitiated, rec.State)
	assert.Equal(t, "Robin, a courier dispatcher", rec.Metadata["persona"])
	assert.Equal(t, "confirm the delivery window", rec.Metadata["goal"])
	assert.Contains(t, rec.Metadata["personaPrompt"], "Robin, a courier dispatcher")
	assert.Contains(t, rec.Metadata["personaPrompt"], "confirm the delivery window")
	assert.Contains(t, rec.Metadata["personaPrompt"], "+15550001234")
	assert.Equal(t, "Hi, this is Robin calling about your delivery.", rec.Metadata["initialMessage"])
}

func TestGetStatus_ActiveThenAfterCompletion(t *testing.T) {
	rt := newTestRuntime(t)

	rec, err := rt.PersonaCall(context.Background(), "+15550001234", "Robin", "say hi", "hello", "s1")
	require.NoError(t, err)

	got, err := rt.GetStatus(rec.CallID)
	require.NoError(t, err)
	assert.Equal(t, rec.CallID, got.CallID)

	require.NoError(t, rt.EndCall(context.Background(), rec.CallID))

	fromStore, err := rt.GetStatus(rec.CallID)
	require.NoError(t, err)
	assert.Equal(t, callmanager.StateHangupBot, fromStore.State)
}

func TestListCalls_ReflectsActiveSetOnly(t *testing.T) {
	rt := newTestRuntime(t)

	rec, err := rt.PersonaCall(context.Background(), "+15550001234", "Robin", "say hi", "hello", "s1")
	require.NoError(t, err)
	assert.Len(t, rt.ListCalls(), 1)

	require.NoError(t, rt.EndCall(context.Background(), rec.CallID))
	assert.Empty(t, rt.ListCalls())
}

func TestCompletionCallback_FallsBackToInProcessEventWithoutAgentWakeURL(t *testing.T) {
	rt := newTestRuntime(t)

	rec, err := rt.PersonaCall(context.Background(), "+15550001234", "Robin", "say hi", "hello", "s1")
	require.NoError(t, err)
	require.NoError(t, rt.EndCall(context.Background(), rec.CallID))

	select {
	case got := <-rt.FallbackEvents():
		assert.Equal(t, rec.CallID, got.CallID)
		assert.Equal(t, callmanager.StateHangupBot, got.State)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fallback completion event")
	}
}
