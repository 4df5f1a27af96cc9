package carrier

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/agentplexus/supercall/pkg/logging"
	"github.com/agentplexus/supercall/pkg/webhook"
)

// statusEvents is the set of status-callback events requested on
// every outbound call (spec §4.3).
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioProvider is the real carrier adapter, backed by the Twilio
// Voice REST API.
type TwilioProvider struct {
	client    *twilio.RestClient
	authToken string
	log       zerolog.Logger

	// publicOrigin and streamPath are set once by runtime assembly
	// (C8) after public URL discovery completes; until then every
	// voice-webhook delivery is answered with a pause document (status
	// callbacks always get an empty body).
	publicOrigin string
	streamPath   string
}

// NewTwilioProvider builds a provider bound to one Twilio account.
func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	return &TwilioProvider{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		authToken: authToken,
		log:       logging.For("carrier.twilio"),
	}
}

// SetPublicOrigin records the host the media-stream websocket should
// be reached at, once the owning runtime has finished discovering it.
func (p *TwilioProvider) SetPublicOrigin(origin, streamPath string) {
	p.publicOrigin = origin
	p.streamPath = streamPath
}

func (p *TwilioProvider) Name() string { return "twilio" }

// InitiateCall places an outbound call with dual-channel recording,
// status callbacks for the full lifecycle, and a 30s dial timeout, per
// spec §4.3.
func (p *TwilioProvider) InitiateCall(ctx context.Context, params InitiateCallParams) (InitiateCallResult, error) {
	voiceURL := appendQuery(params.WebhookURL, "callId", params.CallID)
	statusCallback := appendQuery(params.WebhookURL, "callId", params.CallID)
	statusCallback = appendQuery(statusCallback, "type", "status")

	create := &openapi.CreateCallParams{}
	create.SetTo(params.To)
	create.SetFrom(params.From)
	create.SetUrl(voiceURL)
	create.SetStatusCallback(statusCallback)
	create.SetStatusCallbackEvent(statusEvents)
	create.SetStatusCallbackMethod("POST")
	create.SetTimeout(int(DialTimeout.Seconds()))
	create.SetRecord(true)
	create.SetRecordingChannels("dual")

	resp, err := p.client.Api.CreateCall(create)
	if err != nil {
		return InitiateCallResult{}, fmt.Errorf("twilio create call: %w", err)
	}
	if resp.Sid == nil {
		return InitiateCallResult{}, fmt.Errorf("twilio create call: response carried no sid")
	}

	status := ""
	if resp.Status != nil {
		status = *resp.Status
	}
	p.log.Info().Str("call_id", params.CallID).Str("provider_call_id", *resp.Sid).Msg("call placed")
	return InitiateCallResult{ProviderCallID: *resp.Sid, Status: status}, nil
}

// HangupCall ends an in-progress call. A 404 from Twilio (the call
// already ended) is treated as success.
func (p *TwilioProvider) HangupCall(ctx context.Context, providerCallID string) error {
	update := &openapi.UpdateCallParams{}
	update.SetStatus("completed")

	_, err := p.client.Api.UpdateCall(providerCallID, update)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "not found") {
		return nil
	}
	return fmt.Errorf("twilio hangup: %w", err)
}

func (p *TwilioProvider) VerifyWebhook(ctx context.Context, req WebhookRequest, overridePublicURL string) (ok bool, ngrokFreeTier bool, reason string) {
	form, _ := url.ParseQuery(string(req.Body))
	res := webhook.Verify(ctx, webhook.Request{
		Path:               req.Path,
		RawQuery:           req.RawQuery,
		Form:               form,
		XForwardedProto:    req.XForwardedProto,
		XForwardedHost:     req.XForwardedHost,
		XOriginalHost:      req.XOriginalHost,
		NgrokForwardedHost: req.NgrokForwardedHost,
		Host:               req.Host,
	}, p.authToken, req.Signature, overridePublicURL)
	return res.OK, res.NgrokFreeTier, res.Reason
}

// ParseWebhookEvent maps a Twilio status-callback or voice-webhook
// delivery into normalized events plus the control document to answer
// with (spec §4.3): a status callback gets an empty body; an initial
// or in-progress voice webhook gets a <Connect><Stream> document
// pointing back at this process; everything else gets a pause.
func (p *TwilioProvider) ParseWebhookEvent(ctx context.Context, req WebhookRequest) ([]NormalizedEvent, WebhookResponse, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, WebhookResponse{}, fmt.Errorf("parse twilio form body: %w", err)
	}
	query, _ := url.ParseQuery(req.RawQuery)

	callID := query.Get("callId")
	callSID := form.Get("CallSid")
	isStatusCallback := query.Get("type") == "status"
	callStatus := form.Get("CallStatus")

	var events []NormalizedEvent
	if event, ok := mapTwilioEvent(form, callID, callSID); ok {
		events = append(events, event)
	}

	if isStatusCallback {
		return events, WebhookResponse{StatusCode: 200}, nil
	}

	shouldConnect := callStatus == "" || callStatus == "in-progress"
	body := PauseDocument()
	if shouldConnect && p.publicOrigin != "" {
		body = ConnectDocument(p.publicOrigin, p.streamPath, callID)
	}
	return events, WebhookResponse{ContentType: "text/xml", Body: body, StatusCode: 200}, nil
}

// ConnectDocument builds the <Connect><Stream/></Connect> control
// document directing the carrier to open the media-stream websocket
// back to this process, per spec §4.3.
func ConnectDocument(publicOrigin, streamPath, callID string) string {
	streamURL := fmt.Sprintf("wss://%s%s", publicOrigin, streamPath)
	streamURL = appendQuery(streamURL, "callId", callID)
	return fmt.Sprintf(`<Response><Connect><Stream url="%s"/></Connect></Response>`, xmlEscape(streamURL))
}

// PauseDocument is returned for voice-webhook deliveries that do not
// open a stream: a CallStatus other than in-progress, or no public
// origin set yet. Status callbacks get an empty body instead.
func PauseDocument() string {
	return `<Response><Pause length="30"/></Response>`
}

func mapTwilioEvent(form url.Values, callID, callSID string) (NormalizedEvent, bool) {
	if speech := form.Get("SpeechResult"); speech != "" {
		return NormalizedEvent{Type: EventSpeech, CallID: callID, ProviderCallID: callSID, Text: speech, IsFinal: true}, true
	}
	if digits := form.Get("Digits"); digits != "" {
		return NormalizedEvent{Type: EventDTMF, CallID: callID, ProviderCallID: callSID, Digits: digits}, true
	}

	status := form.Get("CallStatus")
	if status == "" {
		return NormalizedEvent{}, false
	}

	base := NormalizedEvent{CallID: callID, ProviderCallID: callSID}
	switch status {
	case "initiated":
		base.Type = EventInitiated
	case "ringing":
		base.Type = EventRinging
	case "in-progress":
		base.Type = EventAnswered
	case "completed", "busy", "no-answer", "failed":
		base.Type = EventEnded
		base.EndReason = status
	case "canceled":
		base.Type = EventEnded
		base.EndReason = "hangup-bot"
	default:
		return NormalizedEvent{}, false
	}
	return base, true
}

func appendQuery(rawURL, key, value string) string {
	if value == "" {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
