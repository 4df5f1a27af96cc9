// Package bridge runs the per-call audio bridge between a carrier's
// media-stream web-socket and a realtime model session: it pumps audio
// in both directions and serializes the two side effects that must
// wait for the human to hear the model's last sentence — hangup and
// DTMF injection — behind a named "mark" echo from the carrier.
//
// Grounded on the session-registry-plus-bidirectional-channel shape of
// birddigital-signalwire-telephony/pkg/telephony/audio-stream-bridge.go's
// AudioStreamBridge/BridgeSession (CreateSession/routePhoneToAI/
// routeAIToPhone, duplicate-session rejection, per-session context
// cancellation), adapted from its generic pass-through channels to
// spec.md §4.5's JSON-framed carrier protocol and playback-barrier
// mark semantics, and keyed by providerCallId instead of an opaque
// session id so a duplicated carrier upgrade for the same call is
// rejected exactly as spec.md §4.5/§8 (property S2) requires.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentplexus/supercall/pkg/logging"
	"github.com/agentplexus/supercall/pkg/modelsession"
)

const (
	hangupBarrierTimeout = 30 * time.Second
	dtmfBarrierTimeout   = 5 * time.Second
)

// Hooks are the narrow capability handles the bridge is given instead
// of a reference to the call manager itself (spec §9's cyclic-reference
// note).
type Hooks struct {
	// GetCallContext resolves a carrier-assigned providerCallID to the
	// internal callId plus the persona instructions and optional
	// initial greeting the model session should use.
	GetCallContext func(providerCallID string) (callID, personaPrompt, initialGreeting string, ok bool)
	// EndCall is invoked once the hangup barrier resolves (or times
	// out), so the manager can drive the REST hangup and terminal
	// transition.
	EndCall func(callID string)
}

// ModelSession is the subset of *modelsession.Session the bridge needs,
// narrowed to an interface so tests can substitute a fake session
// instead of dialing a real realtime endpoint.
type ModelSession interface {
	Events() <-chan modelsession.Event
	SendAudio(pcmu []byte) error
	Close()
}

// ModelDialer abstracts modelsession.Connect so tests can substitute a
// fake session.
type ModelDialer func(ctx context.Context, cfg modelsession.Config) (ModelSession, error)

func defaultDial(ctx context.Context, cfg modelsession.Config) (ModelSession, error) {
	return modelsession.Connect(ctx, cfg)
}

// Bridge owns every active media-stream session, keyed by the
// carrier's providerCallId so a duplicated upgrade is rejected.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*streamSession

	hooks             Hooks
	dial              ModelDialer
	openaiAPIKey      string
	openaiModel       string
	temperature       float64
	silenceDurationMs int
	vadThreshold      float64
	log               zerolog.Logger
}

// Config configures model sessions spawned by the bridge.
type Config struct {
	OpenAIAPIKey      string
	Model             string
	Temperature       float64
	SilenceDurationMs int
	VadThreshold      float64
}

// New builds a Bridge. dial defaults to modelsession.Connect; tests may
// override it.
func New(hooks Hooks, cfg Config, dial ModelDialer) *Bridge {
	if dial == nil {
		dial = defaultDial
	}
	return &Bridge{
		sessions:          make(map[string]*streamSession),
		hooks:             hooks,
		dial:              dial,
		openaiAPIKey:      cfg.OpenAIAPIKey,
		openaiModel:       cfg.Model,
		temperature:       cfg.Temperature,
		silenceDurationMs: cfg.SilenceDurationMs,
		vadThreshold:      cfg.VadThreshold,
		log:               logging.For("bridge"),
	}
}

// HandleConnection takes ownership of an upgraded carrier media-stream
// socket and runs it until the carrier closes it or an error occurs.
func (b *Bridge) HandleConnection(conn *websocket.Conn) {
	defer conn.Close()

	var sess *streamSession
	defer func() {
		if sess != nil {
			b.remove(sess.providerCallID)
			sess.close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.log.Warn().Err(err).Msg("unparseable carrier stream frame")
			continue
		}

		switch f.Event {
		case "connected":
			// nothing to do until "start" arrives

		case "start":
			if sess != nil {
				continue // duplicate start on an already-bound socket
			}
			var err error
			sess, err = b.start(conn, f)
			if err != nil {
				b.log.Warn().Err(err).Msg("rejecting duplicate or invalid stream start")
				return
			}

		case "media":
			if sess == nil || f.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				continue
			}
			_ = sess.model.SendAudio(payload)

		case "mark":
			if sess == nil || f.Mark == nil {
				continue
			}
			sess.resolveMark(f.Mark.Name)

		case "stop":
			return
		}
	}
}

func (b *Bridge) start(conn *websocket.Conn, f frame) (*streamSession, error) {
	if f.Start == nil || f.Start.CallSid == "" {
		return nil, fmt.Errorf("start frame missing callSid")
	}
	providerCallID := f.Start.CallSid

	b.mu.Lock()
	if _, exists := b.sessions[providerCallID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("stream already active for provider call %s", providerCallID)
	}
	b.sessions[providerCallID] = nil // reserve the slot before the model dial completes
	b.mu.Unlock()

	callID, personaPrompt, greeting, ok := b.hooks.GetCallContext(providerCallID)
	if !ok {
		b.remove(providerCallID)
		return nil, fmt.Errorf("no call context for provider call %s", providerCallID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	model, err := b.dial(ctx, modelsession.Config{
		APIKey:            b.openaiAPIKey,
		Model:             b.openaiModel,
		Temperature:       b.temperature,
		SilenceDurationMs: b.silenceDurationMs,
		VadThreshold:      b.vadThreshold,
		PersonaPrompt:     personaPrompt,
		InitialGreeting:   greeting,
	})
	if err != nil {
		cancel()
		b.remove(providerCallID)
		return nil, fmt.Errorf("connect model session: %w", err)
	}

	sess := &streamSession{
		providerCallID: providerCallID,
		callID:         callID,
		streamSid:      f.StreamSid,
		conn:           conn,
		model:          model,
		cancel:         cancel,
		hooks:          b.hooks,
		log:            b.log.With().Str("call_id", callID).Logger(),
	}

	b.mu.Lock()
	b.sessions[providerCallID] = sess
	b.mu.Unlock()

	go sess.pumpModelEvents()
	return sess, nil
}

func (b *Bridge) remove(providerCallID string) {
	b.mu.Lock()
	delete(b.sessions, providerCallID)
	b.mu.Unlock()
}

// frame is the JSON envelope used by the carrier's media-stream
// protocol (spec §4.5/§6).
type frame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	CallSid string `json:"callSid"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}
