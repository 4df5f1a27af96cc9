package carrier

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formBody(values url.Values) []byte {
	return []byte(values.Encode())
}

func TestMockProvider_ParseWebhookEvent_StatusCallbackIsEmpty(t *testing.T) {
	m := NewMockProvider()
	m.SetPublicOrigin("example.ngrok.io", "/voice/stream")

	req := WebhookRequest{
		RawQuery: "callId=abc&type=status",
		Body:     formBody(url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}),
	}
	events, resp, err := m.ParseWebhookEvent(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRinging, events[0].Type)
	assert.Empty(t, resp.Body)
}

func TestMockProvider_ParseWebhookEvent_InProgressConnects(t *testing.T) {
	m := NewMockProvider()
	m.SetPublicOrigin("example.ngrok.io", "/voice/stream")

	req := WebhookRequest{
		RawQuery: "callId=abc",
		Body:     formBody(url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}),
	}
	events, resp, err := m.ParseWebhookEvent(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAnswered, events[0].Type)
	assert.Contains(t, resp.Body, "<Connect>")
	assert.Contains(t, resp.Body, "wss://example.ngrok.io/voice/stream")
	assert.Contains(t, resp.Body, "callId=abc")
}

func TestMockProvider_ParseWebhookEvent_TerminalStatusPauses(t *testing.T) {
	m := NewMockProvider()
	m.SetPublicOrigin("example.ngrok.io", "/voice/stream")

	req := WebhookRequest{
		RawQuery: "callId=abc",
		Body:     formBody(url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}),
	}
	events, resp, err := m.ParseWebhookEvent(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnded, events[0].Type)
	assert.Equal(t, "completed", events[0].EndReason)
	assert.Contains(t, resp.Body, "<Pause")
}

func TestMockProvider_ParseWebhookEvent_SpeechAndDTMF(t *testing.T) {
	m := NewMockProvider()

	speechReq := WebhookRequest{RawQuery: "callId=abc", Body: formBody(url.Values{"CallSid": {"CA1"}, "SpeechResult": {"yes please"}})}
	events, _, err := m.ParseWebhookEvent(context.Background(), speechReq)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSpeech, events[0].Type)
	assert.True(t, events[0].IsFinal)
	assert.Equal(t, "yes please", events[0].Text)

	dtmfReq := WebhookRequest{RawQuery: "callId=abc", Body: formBody(url.Values{"CallSid": {"CA1"}, "Digits": {"123#"}})}
	events, _, err = m.ParseWebhookEvent(context.Background(), dtmfReq)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDTMF, events[0].Type)
	assert.Equal(t, "123#", events[0].Digits)
}

func TestMockProvider_InitiateAndHangupRecordCalls(t *testing.T) {
	m := NewMockProvider()

	result, err := m.InitiateCall(context.Background(), InitiateCallParams{CallID: "c1", To: "+15550001234", From: "+15559999999"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ProviderCallID)
	require.Len(t, m.InitiateCalls(), 1)
	assert.Equal(t, "c1", m.InitiateCalls()[0].CallID)

	require.NoError(t, m.HangupCall(context.Background(), result.ProviderCallID))
	assert.Equal(t, []string{result.ProviderCallID}, m.HangupCalls())
}

func TestConnectDocument_EscapesAndEncodes(t *testing.T) {
	doc := ConnectDocument("example.ngrok.io", "/voice/stream", "call&1")
	assert.Contains(t, doc, "wss://example.ngrok.io/voice/stream")
	assert.Contains(t, doc, "callId=call%261")
}

func TestAppendQuery_HandlesExistingQueryString(t *testing.T) {
	got := appendQuery("https://example.com/webhook?foo=bar", "callId", "c1")
	assert.Equal(t, "https://example.com/webhook?foo=bar&callId=c1", got)
}
