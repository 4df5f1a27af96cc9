// Package modelsession drives a realtime speech-to-speech model over a
// web-socket: session configuration, bidirectional audio, transcripts,
// and tool-call dispatch.
//
// Grounded on the read-loop/dispatch architecture of
// enesunal-m-azrealtime/client.go's Client.dispatch (envelope-sniff,
// type-switch, unmarshal-into-concrete-event), generalized from one
// callback field per event type (per design note in spec.md §9, "a
// single typed event channel per session is equivalent and easier to
// cancel on teardown") to a single buffered Event channel carrying a
// discriminated Event struct.
package modelsession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentplexus/supercall/pkg/logging"
)

const (
	realtimeEndpoint = "wss://api.openai.com/v1/realtime"
	connectTimeout   = 10 * time.Second
	preambleDelay    = 250 * time.Millisecond
	greetingDelay    = 100 * time.Millisecond
)

// EventKind discriminates the payload carried on an Event.
type EventKind int

const (
	EventSpeechStarted EventKind = iota
	EventAudioOutput
	EventUserTranscript
	EventAssistantTranscript
	EventHangupRequested
	EventDTMFRequested
	EventResponseDone
	EventClosed
)

// Event is the single shape delivered on Session.Events(); only the
// field relevant to Kind is populated.
type Event struct {
	Kind     EventKind
	Audio    []byte
	Text     string
	Reason   string // EventHangupRequested
	Digits   string // EventDTMFRequested
	CloseErr error  // EventClosed
}

// Config configures a session before it connects.
type Config struct {
	APIKey            string
	Model             string
	Temperature       float64
	SilenceDurationMs int
	VadThreshold      float64
	PersonaPrompt     string
	InitialGreeting   string
}

// Session is a single model conversation bound to one phone call.
type Session struct {
	cfg    Config
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	log     zerolog.Logger

	transcriptMu sync.Mutex
	pendingUser  map[string]*strings.Builder
}

// Connect dials the realtime endpoint, waits for the socket to settle,
// and sends the initial session.update. It returns once the socket is
// open; session.updated arrives asynchronously and is not surfaced as
// a distinct Event (callers only care about audio,
// transcripts, and tool calls), matching spec §4.4.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	url := fmt.Sprintf("%s?model=%s&temperature=%.2f", realtimeEndpoint, cfg.Model, cfg.Temperature)
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + cfg.APIKey}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial model session: %w", err)
	}

	return newSession(ctx, conn, cfg)
}

// newSession wraps an already-open websocket connection with the same
// handshake sequence Connect performs, so tests can exercise the full
// session lifecycle against an in-process fake peer instead of the
// real realtime endpoint.
func newSession(ctx context.Context, conn *websocket.Conn, cfg Config) (*Session, error) {
	s := &Session{
		cfg:         cfg,
		conn:        conn,
		events:      make(chan Event, 64),
		log:         logging.For("modelsession"),
		pendingUser: make(map[string]*strings.Builder),
	}

	go s.readLoop()

	time.Sleep(preambleDelay)
	if err := s.sendSessionUpdate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.InitialGreeting != "" {
		go s.sendInitialGreeting(ctx)
	}

	return s, nil
}

// Events returns the channel every inbound event is delivered on. The
// channel is closed once the read loop exits.
func (s *Session) Events() <-chan Event { return s.events }

// SendAudio forwards an inbound µ-law frame from the carrier into the
// model's input buffer. A no-op before the socket is open is not
// possible here since Connect only returns after the socket opens;
// callers that raced Connect should simply not call SendAudio yet.
func (s *Session) SendAudio(pcmu []byte) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcmu),
	})
}

// Close tears down the socket. Safe to call more than once.
func (s *Session) Close() {
	s.writeMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.writeMu.Unlock()
}

func (s *Session) sendSessionUpdate(ctx context.Context) error {
	instructions := composeInstructions(s.cfg.PersonaPrompt)

	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format":  "pcmu",
			"output_audio_format": "pcmu",
			"turn_detection": map[string]any{
				"type":                "semantic_vad",
				"silence_duration_ms": s.cfg.SilenceDurationMs,
				"threshold":           s.cfg.VadThreshold,
				"interrupt_response":  true,
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"instructions": instructions,
			"tools": []map[string]any{
				{
					"type":        "function",
					"name":        "hangup",
					"description": "End the phone call.",
					"parameters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"reason": map[string]any{"type": "string"},
						},
						"required": []string{"reason"},
					},
				},
				{
					"type":        "function",
					"name":        "send_dtmf",
					"description": "Press buttons on the phone keypad.",
					"parameters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"digits": map[string]any{"type": "string"},
						},
						"required": []string{"digits"},
					},
				},
			},
		},
	}
	return s.send(update)
}

func (s *Session) sendInitialGreeting(ctx context.Context) {
	directive := fmt.Sprintf("[SYSTEM: The call has just connected. Say exactly: %q]", s.cfg.InitialGreeting)
	_ = s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": directive},
			},
		},
	})
	time.Sleep(greetingDelay)
	_ = s.send(map[string]any{"type": "response.create"})
}

func (s *Session) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal model event: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("model session not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func composeInstructions(personaPrompt string) string {
	return fmt.Sprintf(
		"Today's date is %s.\n\n"+
			"You are navigating a phone call. If you reach an automated IVR menu, "+
			"listen for the options and press the appropriate digits using send_dtmf "+
			"rather than speaking them. Only call hangup once your goal is achieved "+
			"or it becomes clear it cannot be.\n\n%s",
		time.Now().Format("January 2, 2006"), personaPrompt,
	)
}
