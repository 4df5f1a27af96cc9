// Package frontdoor is the single HTTP + web-socket listener a running
// instance exposes: the carrier's signed webhook deliveries and its
// media-stream upgrade requests both land here and are routed to the
// carrier adapter (C3), the call manager (C6), and the audio bridge
// (C5).
//
// Grounded on the mux-plus-http.Server shape of
// fanonxr-Lexiq-AI/apps/voice-gateway/cmd/server/main.go (plain
// net/http.Server with read/write/idle timeouts, goroutine
// ListenAndServe, context-based graceful Shutdown), since the teacher's
// own listener is wrapped in its dropped mcpkit runtime. The webhook
// route itself and the self-test shortcut are grounded on spec.md
// §4.7; the upgrade route reuses the same gorilla/websocket upgrader
// pattern pkg/bridge's own tests wire over an httptest.Server.
package frontdoor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentplexus/supercall/pkg/bridge"
	"github.com/agentplexus/supercall/pkg/callmanager"
	"github.com/agentplexus/supercall/pkg/carrier"
	"github.com/agentplexus/supercall/pkg/logging"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// Config configures a Server at construction.
type Config struct {
	Bind        string
	Port        int
	WebhookPath string
	StreamPath  string
	BootSecret  string
}

// Server is the front door: one net/http.Server multiplexing the
// webhook route, the media-stream upgrade route, and nothing else.
type Server struct {
	cfg      Config
	provider carrier.Provider
	manager  *callmanager.Manager
	bridge   *bridge.Bridge
	upgrader websocket.Upgrader
	http     *http.Server
	log      zerolog.Logger
}

// New wires a Server against the carrier adapter, the call manager, and
// the audio bridge. provider may be nil at construction time and set
// later via SetProvider, since public-URL discovery (C8) finishes after
// the listener must already be accepting the reachability preflight's
// self-test probe.
func New(cfg Config, manager *callmanager.Manager, br *bridge.Bridge) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		bridge:  br,
		log:     logging.For("frontdoor"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebhookPath, s.handleWebhook)
	mux.HandleFunc(cfg.StreamPath, s.handleStream)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler returns the underlying mux, so tests can drive the front
// door over an httptest.Server without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// SetProvider binds the carrier adapter once runtime assembly (C8) has
// finished constructing it. Webhook deliveries that arrive before this
// is called are answered 503, except for self-test probes.
func (s *Server) SetProvider(provider carrier.Provider) {
	s.provider = provider
}

// Serve runs the listener over a caller-supplied net.Listener instead
// of binding its own — used when runtime assembly (C8) hands the front
// door a tunnel-backed listener rather than a plain TCP one. Blocks
// until ln is closed; call Shutdown to stop it gracefully.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("webhook_path", s.cfg.WebhookPath).Str("stream_path", s.cfg.StreamPath).Msg("front door listening")
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight ones to
// drain, up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleWebhook implements spec §4.7: a self-test shortcut on exact
// header match, else signature verification via the carrier adapter
// (401 on failure), else parse into normalized events, apply each to
// the call manager, and answer with the carrier's own control document.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if token := r.Header.Get("x-supercall-self-test"); token != "" && token == s.cfg.BootSecret {
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.provider == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	req := carrier.WebhookRequest{
		Path:               r.URL.Path,
		RawQuery:           r.URL.RawQuery,
		Body:               body,
		Signature:          r.Header.Get("X-Twilio-Signature"),
		XForwardedProto:    r.Header.Get("X-Forwarded-Proto"),
		XForwardedHost:     r.Header.Get("X-Forwarded-Host"),
		XOriginalHost:      r.Header.Get("X-Original-Host"),
		NgrokForwardedHost: r.Header.Get("Ngrok-Forwarded-Host"),
		Host:               r.Host,
	}

	ok, ngrokFreeTier, reason := s.provider.VerifyWebhook(r.Context(), req, "")
	if !ok {
		s.log.Warn().Str("reason", reason).Bool("ngrok_free_tier", ngrokFreeTier).Msg("webhook signature verification failed")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	events, resp, err := s.provider.ParseWebhookEvent(r.Context(), req)
	if err != nil {
		s.log.Warn().Err(err).Msg("parse webhook event failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		if err := s.manager.ProcessEvent(ev); err != nil {
			s.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("process event failed")
		}
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// handleStream upgrades the carrier's media-stream request and hands
// the raw connection to the audio bridge (C5). A request that is not a
// web-socket upgrade at all is reset; an upgrade request the upgrader
// rejects gets the upgrader's HTTP error response.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if hj, ok := w.(http.Hijacker); ok {
			if raw, _, err := hj.Hijack(); err == nil {
				if tcp, ok := raw.(*net.TCPConn); ok {
					_ = tcp.SetLinger(0)
				}
				_ = raw.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	s.bridge.HandleConnection(conn)
}
