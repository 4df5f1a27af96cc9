package modelsession

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
)

// envelope is unmarshaled first to sniff the event type before
// unmarshaling into the concrete shape, mirroring
// enesunal-m-azrealtime/client.go's Client.dispatch.
type envelope struct {
	Type string `json:"type"`
}

func (s *Session) readLoop() {
	defer func() {
		s.events <- Event{Kind: EventClosed}
		close(s.events)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("model session read failed")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Msg("unparseable model event")
			continue
		}
		s.dispatch(env.Type, data)
	}
}

// dispatch handles one inbound event. Per spec §4.4/§5, function calls
// are only ever triggered from response.done, never from intermediate
// function_call_arguments.done or output_item.done events, so a given
// response can hang up or dial DTMF at most once.
func (s *Session) dispatch(eventType string, raw []byte) {
	switch eventType {
	case "input_audio_buffer.speech_started":
		s.events <- Event{Kind: EventSpeechStarted}

	case "response.output_audio.delta":
		var e struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			return
		}
		s.events <- Event{Kind: EventAudioOutput, Audio: audio}

	case "response.output_audio_transcript.done":
		var e struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return
		}
		s.events <- Event{Kind: EventAssistantTranscript, Text: e.Transcript}

	case "conversation.item.input_audio_transcription.delta":
		var e struct {
			ItemID string `json:"item_id"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return
		}
		s.transcriptMu.Lock()
		b, ok := s.pendingUser[e.ItemID]
		if !ok {
			b = &strings.Builder{}
			s.pendingUser[e.ItemID] = b
		}
		b.WriteString(e.Delta)
		s.transcriptMu.Unlock()

	case "conversation.item.input_audio_transcription.completed":
		var e struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return
		}
		text := e.Transcript
		s.transcriptMu.Lock()
		if b, ok := s.pendingUser[e.ItemID]; ok {
			if text == "" {
				text = b.String()
			}
			delete(s.pendingUser, e.ItemID)
		}
		s.transcriptMu.Unlock()
		s.events <- Event{Kind: EventUserTranscript, Text: text}

	case "response.done":
		s.handleResponseDone(raw)
	}
}

type responseDoneEvent struct {
	Response struct {
		Output []struct {
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"output"`
	} `json:"response"`
}

// handleResponseDone walks response.output in order, dispatching every
// function_call entry by name and acknowledging it with a
// function_call_output before the response is reported done.
func (s *Session) handleResponseDone(raw []byte) {
	var e responseDoneEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		s.log.Warn().Err(err).Msg("unparseable response.done")
		s.events <- Event{Kind: EventResponseDone}
		return
	}

	for _, item := range e.Response.Output {
		if item.Type != "function_call" {
			continue
		}
		switch item.Name {
		case "hangup":
			var args struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal([]byte(item.Arguments), &args)
			s.acknowledgeFunctionCall(item.CallID, `{"ok":true}`)
			s.events <- Event{Kind: EventHangupRequested, Reason: args.Reason}

		case "send_dtmf":
			var args struct {
				Digits string `json:"digits"`
			}
			_ = json.Unmarshal([]byte(item.Arguments), &args)
			s.acknowledgeFunctionCall(item.CallID, `{"ok":true}`)
			s.events <- Event{Kind: EventDTMFRequested, Digits: args.Digits}
		}
	}

	s.events <- Event{Kind: EventResponseDone}
}

func (s *Session) acknowledgeFunctionCall(callID, output string) {
	_ = s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}
