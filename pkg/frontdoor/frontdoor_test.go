package frontdoor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/supercall/pkg/bridge"
	"github.com/agentplexus/supercall/pkg/callmanager"
	"github.com/agentplexus/supercall/pkg/carrier"
	"github.com/agentplexus/supercall/pkg/frontdoor"
	"github.com/agentplexus/supercall/pkg/modelsession"
)

const testBootSecret = "test-boot-secret"

func newTestServer(t *testing.T, manager *callmanager.Manager, provider carrier.Provider) (*frontdoor.Server, *httptest.Server) {
	t.Helper()
	br := bridge.New(bridge.Hooks{
		GetCallContext: func(providerCallID string) (string, string, string, bool) {
			callID, _, _, ok := manager.ResolveStreamContext(providerCallID)
			return callID, "", "", ok
		},
		EndCall: func(callID string) {},
	}, bridge.Config{}, func(ctx context.Context, cfg modelsession.Config) (bridge.ModelSession, error) {
		return nil, context.Canceled
	})

	s := frontdoor.New(frontdoor.Config{
		WebhookPath: "/voice/webhook",
		StreamPath:  "/voice/stream",
		BootSecret:  testBootSecret,
	}, manager, br)
	if provider != nil {
		s.SetProvider(provider)
	}

	srv := httptest.NewServer(s.Handler())
	return s, srv
}

func newManagerWithMock(t *testing.T) (*callmanager.Manager, *carrier.MockProvider) {
	t.Helper()
	m, err := callmanager.New(callmanager.Config{
		StoreDir:    t.TempDir(),
		BootSecret:  testBootSecret,
		WebhookPath: "/voice/webhook",
		StreamPath:  "/voice/stream",
		FromNumber:  "+15550000000",
	})
	require.NoError(t, err)
	provider := carrier.NewMockProvider()
	m.Finalize(provider, "http://127.0.0.1:9")
	return m, provider
}

func TestHandleWebhook_SelfTestShortcutBypassesProvider(t *testing.T) {
	m, _ := newManagerWithMock(t)
	_, srv := newTestServer(t, m, nil) // no provider bound
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/voice/webhook", strings.NewReader(""))
	require.NoError(t, err)
	req.Header.Set("x-supercall-self-test", testBootSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleWebhook_ProviderNotBoundAnswers503(t *testing.T) {
	m, _ := newManagerWithMock(t)
	_, srv := newTestServer(t, m, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/voice/webhook", "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1&CallStatus=ringing"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleWebhook_SignatureFailureAnswers401(t *testing.T) {
	m, _ := newManagerWithMock(t)
	provider := &rejectingProvider{}
	_, srv := newTestServer(t, m, provider)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/voice/webhook", strings.NewReader("CallSid=CA1&CallStatus=ringing"))
	require.NoError(t, err)
	req.Header.Set("X-Twilio-Signature", "wrong-mismatch-on-purpose-but-not-a-self-test-value")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// A self-test header present but not matching the boot secret must
// still go through ordinary signature verification, per spec §4.7's
// edge case, rather than being treated as a shortcut mismatch.
func TestHandleWebhook_SelfTestMismatchFallsThroughToSignatureCheck(t *testing.T) {
	m, _ := newManagerWithMock(t)
	provider := &rejectingProvider{}
	_, srv := newTestServer(t, m, provider)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/voice/webhook", strings.NewReader("CallSid=CA1&CallStatus=ringing"))
	require.NoError(t, err)
	req.Header.Set("x-supercall-self-test", "not-the-right-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.True(t, provider.called)
}

func TestHandleWebhook_ValidEventRoutesToManagerAndReturnsControlDocument(t *testing.T) {
	m, provider := newManagerWithMock(t)
	_, srv := newTestServer(t, m, provider)
	defer srv.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001234", "s1", nil)
	require.NoError(t, err)

	form := url.Values{"CallSid": {rec.ProviderCallID}, "CallStatus": {"ringing"}}
	resp, err := http.Post(srv.URL+"/voice/webhook?callId="+rec.CallID, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := m.GetCall(rec.CallID)
	require.True(t, ok)
	assert.Equal(t, callmanager.StateRinging, got.State)
}

func TestHandleStream_UpgradesAndResolvesCallContext(t *testing.T) {
	m, provider := newManagerWithMock(t)
	_, srv := newTestServer(t, m, provider)
	defer srv.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001234", "s1", nil)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/voice/stream"
	client, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	startFrame := map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ1",
		"start":     map[string]string{"callSid": rec.ProviderCallID},
	}
	require.NoError(t, client.WriteJSON(startFrame))

	require.Eventually(t, func() bool {
		got, ok := m.GetCall(rec.CallID)
		return ok && got.State == callmanager.StateActive
	}, 2*time.Second, 10*time.Millisecond)
}

// The four host-fallback headers (spec §4.7/§C2) must each reach the
// carrier adapter from their own distinct request header rather than
// collapsing onto one another.
func TestHandleWebhook_ForwardsDistinctHostFallbackHeaders(t *testing.T) {
	m, _ := newManagerWithMock(t)
	provider := &recordingProvider{}
	_, srv := newTestServer(t, m, provider)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/voice/webhook", strings.NewReader("CallSid=CA1&CallStatus=ringing"))
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Host", "from-x-forwarded-host.example")
	req.Header.Set("X-Original-Host", "from-x-original-host.example")
	req.Header.Set("Ngrok-Forwarded-Host", "from-ngrok-forwarded-host.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NotNil(t, provider.lastReq)
	assert.Equal(t, "from-x-forwarded-host.example", provider.lastReq.XForwardedHost)
	assert.Equal(t, "from-x-original-host.example", provider.lastReq.XOriginalHost)
	assert.Equal(t, "from-ngrok-forwarded-host.example", provider.lastReq.NgrokForwardedHost)
}

type rejectingProvider struct {
	carrier.MockProvider
	called bool
}

func (p *rejectingProvider) VerifyWebhook(ctx context.Context, req carrier.WebhookRequest, overridePublicURL string) (bool, bool, string) {
	p.called = true
	return false, false, "signature mismatch"
}

type recordingProvider struct {
	carrier.MockProvider
	lastReq *carrier.WebhookRequest
}

func (p *recordingProvider) VerifyWebhook(ctx context.Context, req carrier.WebhookRequest, overridePublicURL string) (bool, bool, string) {
	p.lastReq = &req
	return true, false, ""
}
