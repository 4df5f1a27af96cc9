// Package tools registers the single discriminated MCP tool a host
// process calls to drive persona calls: persona_call, get_status,
// end_call, and list_calls (spec.md §4.8/§6).
//
// Grounded on the teacher's pkg/tools/tools.go for the per-tool
// Input/Output struct plus mcp.AddTool registration shape, adapted
// from its four separate tools (initiate_call/continue_call/
// speak_to_user/end_call, each registered through the dropped mcpkit
// wrapper) to one action-discriminated tool registered directly
// against the official github.com/modelcontextprotocol/go-sdk/mcp
// server, per spec.md §6's "single tool with an action discriminator."
package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentplexus/supercall/pkg/callmanager"
	"github.com/agentplexus/supercall/pkg/runtime"
)

// Input is the argument shape for every action; only the fields the
// selected action needs are required, the rest are ignored.
type Input struct {
	Action      string `json:"action"`
	To          string `json:"to,omitempty"`
	Persona     string `json:"persona,omitempty"`
	Goal        string `json:"goal,omitempty"`
	OpeningLine string `json:"openingLine,omitempty"`
	SessionKey  string `json:"sessionKey,omitempty"`
	CallID      string `json:"callId,omitempty"`
}

// CallSummary is the shape of one call in a list_calls response.
type CallSummary struct {
	CallID string `json:"callId"`
	To     string `json:"to"`
	State  string `json:"state"`
}

// TranscriptTurn is one turn of the conversation, as reported by
// get_status.
type TranscriptTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// Output covers every action's response shape; unused fields are
// omitted. get_status reports state, transcript, endReason, persona,
// and goal (spec.md §7).
type Output struct {
	CallID     string           `json:"callId,omitempty"`
	State      string           `json:"state,omitempty"`
	EndReason  string           `json:"endReason,omitempty"`
	Persona    string           `json:"persona,omitempty"`
	Goal       string           `json:"goal,omitempty"`
	Transcript []TranscriptTurn `json:"transcript,omitempty"`
	Calls      []CallSummary    `json:"calls,omitempty"`
}

var inputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"type":        "string",
			"enum":        []string{"persona_call", "get_status", "end_call", "list_calls"},
			"description": "Which operation to perform.",
		},
		"to":          map[string]any{"type": "string", "description": "Recipient phone number, E.164 (persona_call)."},
		"persona":     map[string]any{"type": "string", "description": "Who the model should be for the call (persona_call)."},
		"goal":        map[string]any{"type": "string", "description": "What the call should accomplish (persona_call)."},
		"openingLine": map[string]any{"type": "string", "description": "The first thing said once the recipient answers (persona_call)."},
		"sessionKey":  map[string]any{"type": "string", "description": "Caller-chosen correlation key for this call (persona_call)."},
		"callId":      map[string]any{"type": "string", "description": "The call to act on (get_status, end_call)."},
	},
	"required": []string{"action"},
}

// Register adds the supercall tool to server, wired to rt's four
// operations.
func Register(server *mcp.Server, rt *runtime.Runtime) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "supercall",
		Description: "Place and manage AI-driven phone calls. action=persona_call places a new call with a persona, goal, and opening line; action=get_status reports a call's current state; action=end_call hangs up an active call; action=list_calls lists every active call.",
		InputSchema: inputSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in Input) (*mcp.CallToolResult, Output, error) {
		switch in.Action {
		case "persona_call":
			return handlePersonaCall(ctx, rt, in)
		case "get_status":
			return handleGetStatus(rt, in)
		case "end_call":
			return handleEndCall(ctx, rt, in)
		case "list_calls":
			return handleListCalls(rt)
		default:
			return nil, Output{}, fmt.Errorf("tools: unknown action %q", in.Action)
		}
	})
}

func handlePersonaCall(ctx context.Context, rt *runtime.Runtime, in Input) (*mcp.CallToolResult, Output, error) {
	if in.To == "" || in.Persona == "" || in.Goal == "" || in.OpeningLine == "" || in.SessionKey == "" {
		return nil, Output{}, fmt.Errorf("tools: persona_call requires to, persona, goal, openingLine, sessionKey")
	}
	rec, err := rt.PersonaCall(ctx, in.To, in.Persona, in.Goal, in.OpeningLine, in.SessionKey)
	if err != nil {
		return nil, Output{}, fmt.Errorf("tools: persona_call: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

func handleGetStatus(rt *runtime.Runtime, in Input) (*mcp.CallToolResult, Output, error) {
	if in.CallID == "" {
		return nil, Output{}, fmt.Errorf("tools: get_status requires callId")
	}
	rec, err := rt.GetStatus(in.CallID)
	if err != nil {
		return nil, Output{}, fmt.Errorf("tools: get_status: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

func handleEndCall(ctx context.Context, rt *runtime.Runtime, in Input) (*mcp.CallToolResult, Output, error) {
	if in.CallID == "" {
		return nil, Output{}, fmt.Errorf("tools: end_call requires callId")
	}
	if err := rt.EndCall(ctx, in.CallID); err != nil {
		return nil, Output{}, fmt.Errorf("tools: end_call: %w", err)
	}
	return nil, Output{CallID: in.CallID}, nil
}

func handleListCalls(rt *runtime.Runtime) (*mcp.CallToolResult, Output, error) {
	calls := rt.ListCalls()
	summaries := make([]CallSummary, 0, len(calls))
	for _, rec := range calls {
		summaries = append(summaries, CallSummary{CallID: rec.CallID, To: rec.To, State: string(rec.State)})
	}
	return nil, Output{Calls: summaries}, nil
}

func recordToOutput(rec *callmanager.CallRecord) Output {
	out := Output{
		CallID:    rec.CallID,
		State:     string(rec.State),
		EndReason: rec.EndReason,
		Persona:   rec.Metadata["persona"],
		Goal:      rec.Metadata["goal"],
	}
	for _, t := range rec.Transcript {
		out.Transcript = append(out.Transcript, TranscriptTurn{Speaker: t.Speaker, Text: t.Text, IsFinal: t.IsFinal})
	}
	return out
}
