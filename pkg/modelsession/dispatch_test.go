package modelsession

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return &Session{
		events:      make(chan Event, 16),
		log:         zerolog.Nop(),
		pendingUser: make(map[string]*strings.Builder),
	}
}

func drain(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestDispatch_SpeechStarted(t *testing.T) {
	s := newTestSession()
	s.dispatch("input_audio_buffer.speech_started", []byte(`{"type":"input_audio_buffer.speech_started"}`))
	assert.Equal(t, EventSpeechStarted, drain(t, s.events).Kind)
}

func TestDispatch_AudioOutputDecodesBase64(t *testing.T) {
	s := newTestSession()
	payload := []byte{0xFF, 0x00, 0x7E}
	raw := []byte(`{"delta":"` + base64.StdEncoding.EncodeToString(payload) + `"}`)

	s.dispatch("response.output_audio.delta", raw)
	e := drain(t, s.events)
	require.Equal(t, EventAudioOutput, e.Kind)
	assert.Equal(t, payload, e.Audio)
}

func TestDispatch_UserTranscript_UsesAccumulatedDeltaWhenTranscriptEmpty(t *testing.T) {
	s := newTestSession()
	s.dispatch("conversation.item.input_audio_transcription.delta", []byte(`{"item_id":"i1","delta":"hel"}`))
	s.dispatch("conversation.item.input_audio_transcription.delta", []byte(`{"item_id":"i1","delta":"lo"}`))
	s.dispatch("conversation.item.input_audio_transcription.completed", []byte(`{"item_id":"i1","transcript":""}`))

	e := drain(t, s.events)
	require.Equal(t, EventUserTranscript, e.Kind)
	assert.Equal(t, "hello", e.Text)
	assert.Empty(t, s.pendingUser)
}

func TestDispatch_UserTranscript_PrefersDirectTranscript(t *testing.T) {
	s := newTestSession()
	s.dispatch("conversation.item.input_audio_transcription.delta", []byte(`{"item_id":"i1","delta":"partial"}`))
	s.dispatch("conversation.item.input_audio_transcription.completed", []byte(`{"item_id":"i1","transcript":"final answer"}`))

	e := drain(t, s.events)
	assert.Equal(t, "final answer", e.Text)
}

func TestDispatch_ResponseDone_DispatchesHangupOnce(t *testing.T) {
	s := newTestSession()
	raw := []byte(`{
		"response": {
			"output": [
				{"type":"function_call","call_id":"call1","name":"hangup","arguments":"{\"reason\":\"done\"}"}
			]
		}
	}`)
	s.dispatch("response.done", raw)

	hangup := drain(t, s.events)
	require.Equal(t, EventHangupRequested, hangup.Kind)
	assert.Equal(t, "done", hangup.Reason)

	done := drain(t, s.events)
	assert.Equal(t, EventResponseDone, done.Kind)

	select {
	case e := <-s.events:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestDispatch_ResponseDone_DispatchesDTMF(t *testing.T) {
	s := newTestSession()
	raw := []byte(`{
		"response": {
			"output": [
				{"type":"function_call","call_id":"call2","name":"send_dtmf","arguments":"{\"digits\":\"123#\"}"}
			]
		}
	}`)
	s.dispatch("response.done", raw)

	dtmf := drain(t, s.events)
	require.Equal(t, EventDTMFRequested, dtmf.Kind)
	assert.Equal(t, "123#", dtmf.Digits)
	assert.Equal(t, EventResponseDone, drain(t, s.events).Kind)
}

func TestDispatch_ResponseDone_IgnoresNonFunctionCallOutput(t *testing.T) {
	s := newTestSession()
	raw := []byte(`{"response":{"output":[{"type":"message"}]}}`)
	s.dispatch("response.done", raw)
	assert.Equal(t, EventResponseDone, drain(t, s.events).Kind)
}

func TestComposeInstructions_IncludesPersonaPrompt(t *testing.T) {
	instructions := composeInstructions("Persuade the caller to reschedule.")
	assert.Contains(t, instructions, "Persuade the caller to reschedule.")
	assert.Contains(t, instructions, "send_dtmf")
}
