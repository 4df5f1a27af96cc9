package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentplexus/supercall/pkg/callmanager"
)

// PersonaCall implements the persona_call user-facing operation (spec
// §4.8/§6): it builds a persona prompt from persona, goal, a
// character-lock instruction, and the recipient number, places the
// call, then decorates the record's metadata with the raw persona and
// goal plus the assembled prompt.
func (rt *Runtime) PersonaCall(ctx context.Context, to, persona, goal, openingLine, sessionKey string) (*callmanager.CallRecord, error) {
	personaPrompt := buildPersonaPrompt(persona, goal, to)

	rec, err := rt.manager.InitiateCall(ctx, to, sessionKey, map[string]string{"initialMessage": openingLine})
	if err != nil {
		return nil, err
	}

	if err := rt.manager.SetMetadata(rec.CallID, map[string]string{
		"persona":       persona,
		"goal":          goal,
		"personaPrompt": personaPrompt,
	}); err != nil {
		return nil, err
	}

	updated, ok := rt.manager.GetCall(rec.CallID)
	if !ok {
		return rec, nil
	}
	return updated, nil
}

// buildPersonaPrompt assembles the instructions the realtime model
// session (C4) is given for the call: who to be, what to accomplish,
// a character-lock rule against ever breaking persona, and who is
// being called.
func buildPersonaPrompt(persona, goal, to string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", persona)
	fmt.Fprintf(&b, "Your goal for this call: %s\n", goal)
	fmt.Fprintf(&b, "You are calling %s.\n", to)
	b.WriteString("Stay fully in character for the entire call. Never say you are an AI, a model, an assistant, or a program, and never break character even if asked directly.")
	return b.String()
}

// GetStatus returns a call's current record, checking the active set
// first and falling back to the journal for a call that has already
// completed (spec §4.6's getCallFromStore).
func (rt *Runtime) GetStatus(callID string) (*callmanager.CallRecord, error) {
	if rec, ok := rt.manager.GetCall(callID); ok {
		return rec, nil
	}
	return rt.manager.GetCallFromStore(callID)
}

// EndCall implements the end_call user-facing operation.
func (rt *Runtime) EndCall(ctx context.Context, callID string) error {
	return rt.manager.EndCall(ctx, callID)
}

// ListCalls implements the list_calls user-facing operation.
func (rt *Runtime) ListCalls() []*callmanager.CallRecord {
	return rt.manager.GetActiveCalls()
}

// onCallComplete is the completion callback registered with the call
// manager: it formats a text summary and POSTs it to the host's
// agent-wake URL, falling back to an in-process enqueue on failure
// (spec §4.8).
func (rt *Runtime) onCallComplete(rec *callmanager.CallRecord) {
	summary := formatCallSummary(rec)
	if err := rt.postAgentWake(rec.CallID, summary); err != nil {
		rt.log.Warn().Err(err).Str("call_id", rec.CallID).Msg("agent-wake callback failed, falling back to in-process enqueue")
		select {
		case rt.fallback <- rec:
		default:
			rt.log.Warn().Str("call_id", rec.CallID).Msg("fallback event queue full, dropping completion event")
		}
	}
}

func formatCallSummary(rec *callmanager.CallRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call to %s ended (%s).\n", rec.To, rec.EndReason)
	for _, entry := range rec.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", entry.Speaker, entry.Text)
	}
	return b.String()
}

func (rt *Runtime) postAgentWake(callID, summary string) error {
	if rt.cfg.AgentWakeURL == "" {
		return fmt.Errorf("runtime: no agent-wake URL configured")
	}

	payload, err := json.Marshal(map[string]string{"callId": callID, "summary": summary})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, rt.cfg.AgentWakeURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if rt.cfg.AgentWakeToken != "" {
		req.Header.Set("Authorization", "Bearer "+rt.cfg.AgentWakeToken)
	}

	resp, err := rt.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent-wake endpoint answered %d", resp.StatusCode)
	}
	return nil
}
