// Package carrier adapts the call orchestrator to a telephony carrier:
// placing and hanging up calls over REST, and turning the carrier's
// webhook deliveries into normalized events plus a control document.
//
// Grounded on the callsystem.CallSystem shape the teacher wires
// (github.com/agentplexus/omnivoice-twilio/callsystem, consumed from
// pkg/callmanager/manager.go) generalized to the four-operation,
// REST+webhook contract below, and on the concrete Twilio signing and
// status-mapping logic in
// hieuntg81-alfred-ai/internal/adapter/tool/voice_call_twilio.go.
package carrier

import (
	"context"
	"time"
)

// EventType is the normalized shape of a carrier status update.
type EventType string

const (
	EventInitiated EventType = "call.initiated"
	EventRinging   EventType = "call.ringing"
	EventAnswered  EventType = "call.answered"
	EventEnded     EventType = "call.ended"
	EventSpeech    EventType = "call.speech"
	EventDTMF      EventType = "call.dtmf"
)

// NormalizedEvent is a carrier-agnostic status update extracted from a
// webhook delivery.
type NormalizedEvent struct {
	Type           EventType
	CallID         string // from the callId query parameter, if present
	ProviderCallID string
	EndReason      string // set only when Type == EventEnded
	Text           string // set only when Type == EventSpeech
	Digits         string // set only when Type == EventDTMF
	IsFinal        bool
}

// WebhookRequest carries the subset of an inbound HTTP request the
// carrier adapter needs to verify and parse a delivery.
type WebhookRequest struct {
	Path               string
	RawQuery           string
	Body               []byte
	Signature          string
	XForwardedProto    string
	XForwardedHost     string
	XOriginalHost      string
	NgrokForwardedHost string
	Host               string
}

// WebhookResponse is the control document the carrier adapter wants
// returned to the carrier in response to a webhook delivery.
type WebhookResponse struct {
	ContentType string
	Body        string
	StatusCode  int
}

// InitiateCallParams describes an outbound call to place.
type InitiateCallParams struct {
	CallID       string // internal callId, round-tripped via the webhook query string
	From         string
	To           string
	WebhookURL   string // base URL the carrier should call back, without query string
	PublicOrigin string // origin (scheme+host) to build the media-stream wss:// URL from
	StreamPath   string
}

// InitiateCallResult is what a successful call placement yields.
type InitiateCallResult struct {
	ProviderCallID string
	Status         string
}

// Provider is the contract the call manager (C6) and front door (C7)
// use to interact with a carrier: real or mock.
type Provider interface {
	// Name identifies the provider for logs and config validation.
	Name() string

	// InitiateCall places an outbound call and returns the carrier's
	// identifier for it.
	InitiateCall(ctx context.Context, params InitiateCallParams) (InitiateCallResult, error)

	// HangupCall ends a call already in progress. A not-found response
	// from the carrier is treated as success (the call is already gone).
	HangupCall(ctx context.Context, providerCallID string) error

	// VerifyWebhook checks a delivery's signature. ngrokFreeTier is set
	// when verification fails and the reconstructed host looks like a
	// free-tier ngrok tunnel, so callers can log the likely cause.
	VerifyWebhook(ctx context.Context, req WebhookRequest, overridePublicURL string) (ok bool, ngrokFreeTier bool, reason string)

	// ParseWebhookEvent turns a verified delivery into zero or more
	// normalized events plus the control document to answer with.
	ParseWebhookEvent(ctx context.Context, req WebhookRequest) ([]NormalizedEvent, WebhookResponse, error)
}

// DialTimeout is the carrier-side ring timeout requested on call
// placement.
const DialTimeout = 30 * time.Second
