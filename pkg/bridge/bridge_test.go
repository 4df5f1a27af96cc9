package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/supercall/pkg/modelsession"
)

// fakeModel is a test double satisfying ModelSession without opening
// any real socket.
type fakeModel struct {
	events chan modelsession.Event
	sent   chan []byte
	closed chan struct{}
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		events: make(chan modelsession.Event, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeModel) Events() <-chan modelsession.Event { return f.events }
func (f *fakeModel) SendAudio(pcmu []byte) error        { f.sent <- pcmu; return nil }
func (f *fakeModel) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

type harness struct {
	server *httptest.Server
	client *gorilla.Conn
	model  *fakeModel
}

func newHarness(t *testing.T, hooks Hooks) *harness {
	t.Helper()
	model := newFakeModel()
	upgrader := gorilla.Upgrader{}
	b := New(hooks, Config{}, func(ctx context.Context, cfg modelsession.Config) (ModelSession, error) {
		return model, nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.HandleConnection(conn)
	})
	server := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"
	client, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return &harness{server: server, client: client, model: model}
}

func (h *harness) close() {
	h.client.Close()
	h.server.Close()
}

func sendFrame(t *testing.T, conn *gorilla.Conn, f frame) {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, b))
}

func readFrame(t *testing.T, conn *gorilla.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func defaultHooks() Hooks {
	return Hooks{
		GetCallContext: func(providerCallID string) (string, string, string, bool) {
			return "call-1", "be polite", "", true
		},
	}
}

func TestBridge_StartThenMediaForwardsAudioToModel(t *testing.T) {
	h := newHarness(t, defaultHooks())
	defer h.close()

	sendFrame(t, h.client, frame{Event: "start", StreamSid: "SS1", Start: &startPayload{CallSid: "CA1"}})
	payload := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	sendFrame(t, h.client, frame{Event: "media", StreamSid: "SS1", Media: &mediaPayload{Payload: payload}})

	select {
	case got := <-h.model.sent:
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("model never received forwarded audio")
	}
}

func TestBridge_ModelAudioOutputForwardedAsMediaFrame(t *testing.T) {
	h := newHarness(t, defaultHooks())
	defer h.close()

	sendFrame(t, h.client, frame{Event: "start", StreamSid: "SS1", Start: &startPayload{CallSid: "CA1"}})
	time.Sleep(50 * time.Millisecond) // let the bridge bind the stream before emitting

	h.model.events <- modelsession.Event{Kind: modelsession.EventAudioOutput, Audio: []byte{0xFF, 0xFE}}

	f := readFrame(t, h.client)
	require.Equal(t, "media", f.Event)
	require.NotNil(t, f.Media)
	decoded, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE}, decoded)
}

func TestBridge_DuplicateStreamStartIsRejected(t *testing.T) {
	model := newFakeModel()
	b := New(defaultHooks(), Config{}, func(ctx context.Context, cfg modelsession.Config) (ModelSession, error) {
		return model, nil
	})

	mux := http.NewServeMux()
	upgrader := gorilla.Upgrader{}
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.HandleConnection(conn)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"

	first, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	sendFrame(t, first, frame{Event: "start", StreamSid: "SS1", Start: &startPayload{CallSid: "DUP"}})
	time.Sleep(50 * time.Millisecond)

	second, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()
	sendFrame(t, second, frame{Event: "start", StreamSid: "SS2", Start: &startPayload{CallSid: "DUP"}})

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.Error(t, err, "the second upgrade for the same provider call should be closed")
}

func TestStreamSession_HangupBarrier_ResolvesOnMarkEcho(t *testing.T) {
	h := newHarness(t, defaultHooks())
	defer h.close()

	ended := make(chan string, 1)
	hooks := defaultHooks()
	hooks.EndCall = func(callID string) { ended <- callID }

	model := newFakeModel()
	b := New(hooks, Config{}, func(ctx context.Context, cfg modelsession.Config) (ModelSession, error) {
		return model, nil
	})
	mux := http.NewServeMux()
	upgrader := gorilla.Upgrader{}
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.HandleConnection(conn)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"
	client, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	sendFrame(t, client, frame{Event: "start", StreamSid: "SS1", Start: &startPayload{CallSid: "CA1"}})
	time.Sleep(50 * time.Millisecond)

	model.events <- modelsession.Event{Kind: modelsession.EventHangupRequested, Reason: "goal achieved"}

	mark := readFrame(t, client)
	require.Equal(t, "mark", mark.Event)
	require.NotNil(t, mark.Mark)
	assert.Equal(t, "hangup", mark.Mark.Name)

	sendFrame(t, client, frame{Event: "mark", StreamSid: "SS1", Mark: &markPayload{Name: "hangup"}})

	select {
	case callID := <-ended:
		assert.Equal(t, "call-1", callID)
	case <-time.After(2 * time.Second):
		t.Fatal("EndCall was never invoked after mark echo")
	}
}
