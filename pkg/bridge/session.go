package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentplexus/supercall/pkg/audiocodec"
	"github.com/agentplexus/supercall/pkg/modelsession"
)

// streamSession is one carrier media-stream socket bound to one model
// session. It owns the playback-barrier latches that serialize hangup
// and DTMF injection against the model's last audio frame actually
// being heard (spec §4.5).
type streamSession struct {
	providerCallID string
	callID         string
	streamSid      string

	conn   *websocket.Conn
	connMu sync.Mutex
	model  ModelSession
	cancel context.CancelFunc
	hooks  Hooks
	log    zerolog.Logger

	barrierMu     sync.Mutex
	pendingHangup *barrier
	pendingDTMF   *barrier
}

// barrier is a single-shot playback-barrier wait: resolve closes once,
// either from the carrier's mark echo or from the timeout racing it.
type barrier struct {
	resolved chan struct{}
	once     sync.Once
}

func newBarrier() *barrier {
	return &barrier{resolved: make(chan struct{})}
}

func (b *barrier) resolve() {
	b.once.Do(func() { close(b.resolved) })
}

func (s *streamSession) close() {
	s.cancel()
	s.model.Close()
}

// pumpModelEvents is the AI → phone direction: forward model audio
// output as media frames, log transcripts, and run the hangup/DTMF
// barriers; speech-start and response-done events are ignored.
// Grounded on audio-stream-bridge.go's routeAIToPhone loop,
// generalized from a plain pass-through channel to dispatching on the
// model session's discriminated Event stream.
func (s *streamSession) pumpModelEvents() {
	for ev := range s.model.Events() {
		switch ev.Kind {
		case modelsession.EventAudioOutput:
			s.sendMedia(ev.Audio)

		case modelsession.EventUserTranscript:
			s.log.Debug().Str("speaker", "user").Str("text", ev.Text).Msg("transcript")

		case modelsession.EventAssistantTranscript:
			s.log.Debug().Str("speaker", "bot").Str("text", ev.Text).Msg("transcript")

		case modelsession.EventHangupRequested:
			go s.handleHangupRequested(ev.Reason)

		case modelsession.EventDTMFRequested:
			go s.handleDTMFRequested(ev.Digits)

		case modelsession.EventClosed:
			return
		}
	}
}

// handleHangupRequested implements the hangup playback barrier: ignore
// a duplicate request, else send a named mark and race its echo
// against a 30s timeout before actually ending the call.
func (s *streamSession) handleHangupRequested(reason string) {
	s.barrierMu.Lock()
	if s.pendingHangup != nil {
		s.barrierMu.Unlock()
		return
	}
	b := newBarrier()
	s.pendingHangup = b
	s.barrierMu.Unlock()

	s.sendMark("hangup")
	s.await(b, hangupBarrierTimeout)

	s.log.Info().Str("reason", reason).Msg("hangup barrier resolved, ending call")
	if s.hooks.EndCall != nil {
		s.hooks.EndCall(s.callID)
	}
}

// handleDTMFRequested implements the DTMF playback barrier: send a
// named mark, race its echo against a 5s timeout, then synthesize and
// stream the tones as 20ms media frames.
func (s *streamSession) handleDTMFRequested(digits string) {
	s.barrierMu.Lock()
	b := newBarrier()
	s.pendingDTMF = b
	s.barrierMu.Unlock()

	s.sendMark("dtmf")
	s.await(b, dtmfBarrierTimeout)

	audio := audiocodec.GenerateDTMF(digits, 0, 0)
	for _, chunk := range audiocodec.ChunkForStream(audio, audiocodec.FrameBytes) {
		s.sendMedia(chunk)
	}
}

func (s *streamSession) await(b *barrier, timeout time.Duration) {
	select {
	case <-b.resolved:
	case <-time.After(timeout):
		b.resolve()
	}
}

// resolveMark is called from the bridge's read loop when the carrier
// echoes a mark with a matching name.
func (s *streamSession) resolveMark(name string) {
	s.barrierMu.Lock()
	defer s.barrierMu.Unlock()

	switch name {
	case "hangup":
		if s.pendingHangup != nil {
			s.pendingHangup.resolve()
		}
	case "dtmf":
		if s.pendingDTMF != nil {
			s.pendingDTMF.resolve()
			s.pendingDTMF = nil
		}
	}
}

func (s *streamSession) sendMedia(payload []byte) {
	s.writeFrame(frame{
		Event:     "media",
		StreamSid: s.streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

func (s *streamSession) sendMark(name string) {
	s.writeFrame(frame{
		Event:     "mark",
		StreamSid: s.streamSid,
		Mark:      &markPayload{Name: name},
	})
}

func (s *streamSession) writeFrame(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, b)
}
