// Package callmanager owns the call lifecycle state machine: the
// active-call map, the providerCallId reverse index, the reachability
// preflight, and append-only journal persistence.
//
// Grounded on the teacher's pkg/callmanager/manager.go for the overall
// shape of a mutex-guarded map of active calls plus a single owning
// type, generalized from its speak/listen turn loop (which drove a
// single blocking conversation per call through a TTS/STT pipeline) to
// the event-driven state machine spec.md §3/§4.6 require: records move
// through processEvent calls triggered by carrier webhook deliveries
// rather than by the manager itself dictating each turn. Journal
// persistence is grounded on
// hieuntg81-alfred-ai/internal/adapter/tool/voice_call_store.go's
// FileCallStore (JSONL append, last-line-wins recovery scan). The
// reachability preflight's circuit breaker is grounded on the same
// repo's internal/adapter/llm/circuitbreaker.go.
package callmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/agentplexus/supercall/pkg/carrier"
	"github.com/agentplexus/supercall/pkg/logging"
)

const staleCutoff = 5 * time.Minute

func nowMillis() int64 { return time.Now().UnixMilli() }

// Config configures a Manager at construction. Provider and the public
// origin are supplied later, via Finalize, once runtime assembly (C8)
// has discovered the public URL (spec §4.8).
type Config struct {
	FromNumber         string
	WebhookPath        string
	StreamPath         string
	BootSecret         string
	StoreDir           string
	MaxConcurrentCalls int
	MaxDurationSeconds int
}

// Manager is the single owner of every CallRecord, the active-call map,
// and the providerCallId reverse index. All three are serialized by mu,
// per spec §5's concurrency model.
type Manager struct {
	mu           sync.Mutex
	calls        map[string]*CallRecord // callId -> record, active (non-terminal) only
	byProviderID map[string]string      // providerCallId -> callId, active only
	timers       map[string]*time.Timer // callId -> max-duration timer

	preflightMu     sync.Mutex
	lastPreflightOK time.Time
	breaker         *gobreaker.CircuitBreaker[struct{}]

	provider carrier.Provider
	journal  *journal

	fromNumber   string
	webhookPath  string
	streamPath   string
	webhookURL   string
	publicOrigin string
	wsProbeURL   string
	bootSecret   string

	maxConcurrentCalls int
	maxDurationSeconds int

	onComplete func(*CallRecord)
	log        zerolog.Logger
}

// New constructs a Manager and recovers its journal. The returned
// Manager has no provider or public URL yet; call Finalize once those
// are known.
func New(cfg Config) (*Manager, error) {
	if cfg.BootSecret == "" {
		return nil, fmt.Errorf("callmanager: boot secret required")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 1
	}
	if cfg.MaxDurationSeconds <= 0 {
		cfg.MaxDurationSeconds = 300
	}

	j, err := openJournal(cfg.StoreDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		calls:              make(map[string]*CallRecord),
		byProviderID:       make(map[string]string),
		timers:             make(map[string]*time.Timer),
		breaker:            newPreflightBreaker(),
		journal:            j,
		fromNumber:         cfg.FromNumber,
		webhookPath:        cfg.WebhookPath,
		streamPath:         cfg.StreamPath,
		bootSecret:         cfg.BootSecret,
		maxConcurrentCalls: cfg.MaxConcurrentCalls,
		maxDurationSeconds: cfg.MaxDurationSeconds,
		log:                logging.For("callmanager"),
	}

	if err := m.recoverJournal(); err != nil {
		return nil, fmt.Errorf("callmanager: recover journal: %w", err)
	}
	return m, nil
}

// recoverJournal implements spec §3/§4.6/§8 property 6: stale non-
// terminal records (older than 5 minutes) are rewritten as error;
// younger ones are reloaded into the active set.
func (m *Manager) recoverJournal() error {
	records, err := m.journal.load()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-staleCutoff)
	for callID, rec := range records {
		if isTerminal(rec.State) {
			continue
		}
		if time.UnixMilli(rec.StartedAt).Before(cutoff) {
			rec.State = StateError
			rec.EndReason = "stale"
			rec.EndedAt = nowMillis()
			if err := m.journal.append(rec); err != nil {
				m.log.Warn().Err(err).Str("call_id", callID).Msg("rewrite stale record failed")
			}
			continue
		}
		m.calls[callID] = rec
		if rec.ProviderCallID != "" {
			m.byProviderID[rec.ProviderCallID] = callID
		}
	}
	return nil
}

// Finalize supplies the provider and public origin once public-URL
// discovery completes (spec §4.8's "finalize C6 with provider + public
// URL" boot step).
func (m *Manager) Finalize(provider carrier.Provider, publicOrigin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = provider
	m.publicOrigin = publicOrigin
	m.webhookURL = publicOrigin + m.webhookPath
	m.wsProbeURL = toWebSocketOrigin(publicOrigin) + m.streamPath
}

func toWebSocketOrigin(origin string) string {
	switch {
	case strings.HasPrefix(origin, "https://"):
		return "wss://" + strings.TrimPrefix(origin, "https://")
	case strings.HasPrefix(origin, "http://"):
		return "ws://" + strings.TrimPrefix(origin, "http://")
	default:
		return origin
	}
}

// InitiateCall places a new outbound call: reachability preflight,
// capacity check, record creation, REST create, per spec §4.6.
func (m *Manager) InitiateCall(ctx context.Context, to, sessionKey string, metadata map[string]string) (*CallRecord, error) {
	m.mu.Lock()
	provider := m.provider
	m.mu.Unlock()
	if provider == nil || m.webhookURL == "" {
		return nil, ErrNotReady
	}

	if err := m.preflight(ctx); err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	m.mu.Lock()
	if len(m.calls) >= m.maxConcurrentCalls {
		m.mu.Unlock()
		return nil, ErrAtCapacity
	}

	callID := uuid.NewString()
	rec := &CallRecord{
		CallID:            callID,
		Direction:         "outbound",
		State:             StateInitiated,
		From:              m.fromNumber,
		To:                to,
		SessionKey:        sessionKey,
		StartedAt:         nowMillis(),
		Metadata:          metadata,
		ProcessedEventIDs: make(map[string]bool),
	}
	m.calls[callID] = rec
	clone := rec.clone()
	m.mu.Unlock()

	if err := m.journal.append(clone); err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("journal append failed")
	}

	result, err := provider.InitiateCall(ctx, carrier.InitiateCallParams{
		CallID:       callID,
		From:         rec.From,
		To:           to,
		WebhookURL:   m.webhookURL,
		PublicOrigin: m.publicOrigin,
		StreamPath:   m.streamPath,
	})
	if err != nil {
		m.mu.Lock()
		rec.State = StateFailed
		rec.EndReason = "failed"
		rec.EndedAt = nowMillis()
		delete(m.calls, callID)
		clone := rec.clone()
		m.mu.Unlock()

		if jerr := m.journal.append(clone); jerr != nil {
			m.log.Warn().Err(jerr).Str("call_id", callID).Msg("journal append failed")
		}
		m.fireComplete(clone)
		return nil, fmt.Errorf("initiate call: %w", err)
	}

	m.mu.Lock()
	rec.ProviderCallID = result.ProviderCallID
	m.byProviderID[result.ProviderCallID] = callID
	clone = rec.clone()
	m.mu.Unlock()

	if err := m.journal.append(clone); err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("journal append failed")
	}
	return clone, nil
}

// EndCall ends a call from the bot side: REST hangup, transition to
// hangup-bot, fire the completion callback exactly once.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if isTerminal(rec.State) {
		m.mu.Unlock()
		return ErrTerminal
	}
	providerCallID := rec.ProviderCallID
	provider := m.provider
	m.mu.Unlock()

	if provider != nil && providerCallID != "" {
		if err := provider.HangupCall(ctx, providerCallID); err != nil {
			m.log.Warn().Err(err).Str("call_id", callID).Msg("provider hangup failed")
		}
	}

	m.mu.Lock()
	rec, ok = m.calls[callID]
	if !ok || isTerminal(rec.State) {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked(callID)
	rec.State = StateHangupBot
	rec.EndReason = "hangup-bot"
	rec.EndedAt = nowMillis()
	delete(m.calls, callID)
	if rec.ProviderCallID != "" {
		delete(m.byProviderID, rec.ProviderCallID)
	}
	clone := rec.clone()
	m.mu.Unlock()

	if err := m.journal.append(clone); err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("journal append failed")
	}
	m.fireComplete(clone)
	return nil
}

// targetState maps a normalized carrier event to the state it drives
// the record toward, per spec §3/§4.3.
func targetState(ev carrier.NormalizedEvent) (State, string, bool) {
	switch ev.Type {
	case carrier.EventInitiated:
		return StateInitiated, "", true
	case carrier.EventRinging:
		return StateRinging, "", true
	case carrier.EventAnswered:
		return StateAnswered, "", true
	case carrier.EventEnded:
		reason := ev.EndReason
		if reason == "" {
			reason = "failed"
		}
		return State(reason), reason, true
	default:
		return "", "", false
	}
}

// eventKey derives the idempotency key ProcessEvent dedupes on.
// NormalizedEvent carries no carrier-assigned event id (Twilio status
// webhooks don't send one), so the key is the event's own content —
// equivalent for this purpose, since a duplicate delivery always
// repeats the same fields (spec §3 invariant 5, §8 property 3).
func eventKey(ev carrier.NormalizedEvent) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%v", ev.Type, ev.ProviderCallID, ev.EndReason, ev.Text, ev.Digits, ev.IsFinal)
}

// ProcessEvent applies one normalized carrier event to its call record:
// idempotency check, reverse-index rebind, state transition, and
// terminal-state eviction plus completion callback.
func (m *Manager) ProcessEvent(ev carrier.NormalizedEvent) error {
	key := eventKey(ev)

	m.mu.Lock()
	rec := m.lookupLocked(ev.CallID, ev.ProviderCallID)
	if rec == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	if rec.ProcessedEventIDs[key] {
		m.mu.Unlock()
		return nil // duplicate delivery, silently ignored
	}
	if rec.ProcessedEventIDs == nil {
		rec.ProcessedEventIDs = make(map[string]bool)
	}
	rec.ProcessedEventIDs[key] = true

	if ev.ProviderCallID != "" && rec.ProviderCallID != ev.ProviderCallID {
		if rec.ProviderCallID != "" {
			delete(m.byProviderID, rec.ProviderCallID)
		}
		rec.ProviderCallID = ev.ProviderCallID
		m.byProviderID[ev.ProviderCallID] = rec.CallID
	}

	applied := false
	if target, _, ok := targetState(ev); ok && canTransition(rec.State, target) {
		rec.State = target
		now := nowMillis()
		if target == StateAnswered && rec.AnsweredAt == 0 {
			rec.AnsweredAt = now
		}
		if isTerminal(target) {
			rec.EndedAt = now
			rec.EndReason = string(target)
		}
		applied = true
	}

	if ev.Type == carrier.EventSpeech && ev.Text != "" {
		rec.Transcript = append(rec.Transcript, TranscriptEntry{
			Timestamp: nowMillis(), Speaker: "user", Text: ev.Text, IsFinal: ev.IsFinal,
		})
	}

	startTimer := applied && ev.Type == carrier.EventAnswered
	callID := rec.CallID

	var completed *CallRecord
	if isTerminal(rec.State) {
		m.stopTimerLocked(callID)
		delete(m.calls, callID)
		if rec.ProviderCallID != "" {
			delete(m.byProviderID, rec.ProviderCallID)
		}
		completed = rec.clone()
	}
	clone := rec.clone()
	m.mu.Unlock()

	if err := m.journal.append(clone); err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("journal append failed")
	}

	if startTimer {
		m.startMaxDurationTimer(callID, time.Duration(m.maxDurationSeconds)*time.Second)
	}
	if completed != nil {
		m.fireComplete(completed)
	}
	return nil
}

func (m *Manager) lookupLocked(callID, providerCallID string) *CallRecord {
	if callID != "" {
		if rec, ok := m.calls[callID]; ok {
			return rec
		}
	}
	if providerCallID != "" {
		if id, ok := m.byProviderID[providerCallID]; ok {
			return m.calls[id]
		}
	}
	return nil
}

// AddTranscript appends a transcript entry and, since no standalone
// operation is exposed for it, drives the speaking/listening
// alternation spec §3 invariant 2 describes: a bot turn moves the
// record to speaking, a user turn to listening.
func (m *Manager) AddTranscript(callID, speaker, text string, isFinal bool) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	rec.Transcript = append(rec.Transcript, TranscriptEntry{
		Timestamp: nowMillis(), Speaker: speaker, Text: text, IsFinal: isFinal,
	})
	target := StateListening
	if speaker == "bot" {
		target = StateSpeaking
	}
	if canTransition(rec.State, target) {
		rec.State = target
	}
	clone := rec.clone()
	m.mu.Unlock()

	return m.journal.append(clone)
}

// ResolveStreamContext is the hook the audio bridge (C5) calls on
// stream start: it looks up the call by providerCallId, advances the
// record to active (the media stream is now genuinely live), and
// returns the persona prompt and initial greeting for the model
// session (spec §4.5 step 3).
func (m *Manager) ResolveStreamContext(providerCallID string) (callID, personaPrompt, initialGreeting string, ok bool) {
	m.mu.Lock()
	id, exists := m.byProviderID[providerCallID]
	if !exists {
		m.mu.Unlock()
		return "", "", "", false
	}
	rec, exists := m.calls[id]
	if !exists {
		m.mu.Unlock()
		return "", "", "", false
	}
	if canTransition(rec.State, StateActive) {
		rec.State = StateActive
	}
	personaPrompt = rec.Metadata["personaPrompt"]
	initialGreeting = rec.Metadata["initialMessage"]
	clone := rec.clone()
	m.mu.Unlock()

	if err := m.journal.append(clone); err != nil {
		m.log.Warn().Err(err).Str("call_id", id).Msg("journal append failed")
	}
	return id, personaPrompt, initialGreeting, true
}

// SetMetadata merges kv into a call's metadata (used by the runtime's
// persona_call operation to decorate a record after InitiateCall
// returns, spec §4.8).
func (m *Manager) SetMetadata(callID string, kv map[string]string) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	for k, v := range kv {
		rec.Metadata[k] = v
	}
	clone := rec.clone()
	m.mu.Unlock()

	return m.journal.append(clone)
}

func (m *Manager) startMaxDurationTimer(callID string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.timers[callID]; exists {
		return
	}
	m.timers[callID] = time.AfterFunc(d, func() { m.onMaxDuration(callID) })
}

// stopTimerLocked requires m.mu to already be held.
func (m *Manager) stopTimerLocked(callID string) {
	if t, ok := m.timers[callID]; ok {
		t.Stop()
		delete(m.timers, callID)
	}
}

func (m *Manager) onMaxDuration(callID string) {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok || isTerminal(rec.State) {
		m.mu.Unlock()
		return
	}
	delete(m.timers, callID)
	rec.State = StateTimeout
	rec.EndReason = "timeout"
	rec.EndedAt = nowMillis()
	providerCallID := rec.ProviderCallID
	delete(m.calls, callID)
	if providerCallID != "" {
		delete(m.byProviderID, providerCallID)
	}
	provider := m.provider
	clone := rec.clone()
	m.mu.Unlock()

	if provider != nil && providerCallID != "" {
		if err := provider.HangupCall(context.Background(), providerCallID); err != nil {
			m.log.Warn().Err(err).Str("call_id", callID).Msg("hangup on timeout failed")
		}
	}
	if err := m.journal.append(clone); err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("journal append failed")
	}
	m.fireComplete(clone)
}

// SetOnCallComplete registers the single sink invoked exactly once per
// call when it reaches a terminal state.
func (m *Manager) SetOnCallComplete(handler func(*CallRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = handler
}

func (m *Manager) fireComplete(rec *CallRecord) {
	m.mu.Lock()
	handler := m.onComplete
	m.mu.Unlock()
	if handler != nil {
		handler(rec)
	}
}

// GetCall returns a snapshot of an active call.
func (m *Manager) GetCall(callID string) (*CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// GetCallByProviderCallID returns a snapshot of an active call looked
// up by the carrier's identifier.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (*CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byProviderID[providerCallID]
	if !ok {
		return nil, false
	}
	rec, ok := m.calls[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// GetActiveCalls returns a snapshot of every non-terminal call.
func (m *Manager) GetActiveCalls() []*CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CallRecord, 0, len(m.calls))
	for _, rec := range m.calls {
		out = append(out, rec.clone())
	}
	return out
}

// GetCallFromStore scans the journal for a call no longer active
// (completed, stale-cleaned, or otherwise evicted).
func (m *Manager) GetCallFromStore(callID string) (*CallRecord, error) {
	records, err := m.journal.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Close stops every pending timer and closes the journal file.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	m.mu.Unlock()
	return m.journal.close()
}
