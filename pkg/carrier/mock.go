package carrier

import (
	"context"
	"crypto/rand"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MockProvider is a synthetic carrier for tests and local development:
// it mints its own provider call IDs, accepts any webhook signature,
// and answers the connect-document question the same way the real
// provider does, so C6/C7 integration tests can exercise the same
// control flow without network access.
type MockProvider struct {
	mu            sync.Mutex
	initiateCalls []InitiateCallParams
	hangupCalls   []string
	publicOrigin  string
	streamPath    string
	InitiateErr   error
	HangupErr     error
}

// NewMockProvider builds a provider with no configured public origin;
// tests that need a connect document must call SetPublicOrigin first.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

// SetPublicOrigin mirrors TwilioProvider.SetPublicOrigin so tests can
// exercise both branches of ParseWebhookEvent's control-document choice.
func (m *MockProvider) SetPublicOrigin(origin, streamPath string) {
	m.publicOrigin = origin
	m.streamPath = streamPath
}

func (m *MockProvider) InitiateCall(ctx context.Context, params InitiateCallParams) (InitiateCallResult, error) {
	m.mu.Lock()
	m.initiateCalls = append(m.initiateCalls, params)
	m.mu.Unlock()
	if m.InitiateErr != nil {
		return InitiateCallResult{}, m.InitiateErr
	}
	return InitiateCallResult{ProviderCallID: newMockID(), Status: "queued"}, nil
}

func (m *MockProvider) HangupCall(ctx context.Context, providerCallID string) error {
	m.mu.Lock()
	m.hangupCalls = append(m.hangupCalls, providerCallID)
	m.mu.Unlock()
	return m.HangupErr
}

// VerifyWebhook always succeeds: the mock provider is only ever wired
// up behind trusted test harnesses.
func (m *MockProvider) VerifyWebhook(ctx context.Context, req WebhookRequest, overridePublicURL string) (ok bool, ngrokFreeTier bool, reason string) {
	return true, false, ""
}

// ParseWebhookEvent mirrors TwilioProvider's shape so tests written
// against the mock exercise the same NormalizedEvent/control-document
// contract as production.
func (m *MockProvider) ParseWebhookEvent(ctx context.Context, req WebhookRequest) ([]NormalizedEvent, WebhookResponse, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, WebhookResponse{}, err
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
	if shouldConnect && m.publicOrigin != "" {
		body = ConnectDocument(m.publicOrigin, m.streamPath, callID)
	}
	return events, WebhookResponse{ContentType: "text/xml", Body: body, StatusCode: 200}, nil
}

// InitiateCalls returns every InitiateCall invocation so far, for test
// assertions.
func (m *MockProvider) InitiateCalls() []InitiateCallParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InitiateCallParams, len(m.initiateCalls))
	copy(out, m.initiateCalls)
	return out
}

// HangupCalls returns every HangupCall invocation so far, for test
// assertions.
func (m *MockProvider) HangupCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.hangupCalls))
	copy(out, m.hangupCalls)
	return out
}

func newMockID() string {
	return "CA" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
