// Package runtime assembles one running supercall instance: it builds
// the carrier adapter, the call manager, the audio bridge, and the
// front door from a loaded configuration, drives the boot sequence
// spec.md §4.8 describes (credential validation, boot secret minting,
// public-URL discovery, finalization), and exposes the four
// user-facing operations a host process calls through pkg/tools.
//
// Grounded on the teacher's cmd/agentcall/main.go for the overall boot
// shape (load config, construct the call manager, wire the HTTP
// server, initialize once the public URL is known), generalized from
// its single mcpkit.New/ServeHTTP call to the explicit tunnel-discovery
// priority chain and plain net/http assembly spec §4.8 requires, since
// mcpkit itself is a dropped dependency (see DESIGN.md).
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentplexus/supercall/pkg/bridge"
	"github.com/agentplexus/supercall/pkg/callmanager"
	"github.com/agentplexus/supercall/pkg/carrier"
	"github.com/agentplexus/supercall/pkg/config"
	"github.com/agentplexus/supercall/pkg/frontdoor"
	"github.com/agentplexus/supercall/pkg/logging"
)

const agentWakeTimeout = 10 * time.Second

// originSetter is implemented by both carrier providers; it is kept as
// a local, narrow interface rather than folded into carrier.Provider
// since the mock provider's tests construct it without ever calling
// this method.
type originSetter interface {
	SetPublicOrigin(origin, streamPath string)
}

// Runtime owns every component of one running instance plus the
// fallback event queue the completion callback drains into when the
// host's agent-wake endpoint can't be reached.
type Runtime struct {
	cfg        *config.Config
	bootSecret string

	provider  carrier.Provider
	manager   *callmanager.Manager
	bridge    *bridge.Bridge
	frontdoor *frontdoor.Server
	tunnel    Tunnel

	publicOrigin string
	httpClient   *http.Client
	fallback     chan *callmanager.CallRecord
	log          zerolog.Logger
}

// New validates cfg and assembles every component, but does not start
// the listener or touch the network — call Boot for that.
func New(cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secret, err := newBootSecret()
	if err != nil {
		return nil, fmt.Errorf("runtime: mint boot secret: %w", err)
	}

	var provider carrier.Provider
	switch cfg.Provider {
	case "mock":
		provider = carrier.NewMockProvider()
	case "twilio":
		provider = carrier.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	default:
		return nil, fmt.Errorf("runtime: unknown provider %q", cfg.Provider)
	}

	manager, err := callmanager.New(callmanager.Config{
		FromNumber:         cfg.FromNumber,
		WebhookPath:        cfg.Serve.Path,
		StreamPath:         cfg.Streaming.StreamPath,
		BootSecret:         secret,
		StoreDir:           cfg.Store,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		MaxDurationSeconds: cfg.MaxDurationSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: create call manager: %w", err)
	}

	br := bridge.New(bridge.Hooks{
		GetCallContext: manager.ResolveStreamContext,
		EndCall: func(callID string) {
			if err := manager.EndCall(context.Background(), callID); err != nil {
				logging.For("runtime").Warn().Err(err).Str("call_id", callID).Msg("bridge-driven hangup failed")
			}
		},
	}, bridge.Config{
		OpenAIAPIKey:      cfg.Streaming.OpenAIAPIKey,
		Model:             cfg.Streaming.Model,
		Temperature:       cfg.Streaming.Temperature,
		SilenceDurationMs: cfg.Streaming.SilenceDurationMs,
		VadThreshold:      cfg.Streaming.VadThreshold,
	}, nil)

	fd := frontdoor.New(frontdoor.Config{
		Bind:        cfg.Serve.Bind,
		Port:        cfg.Serve.Port,
		WebhookPath: cfg.Serve.Path,
		StreamPath:  cfg.Streaming.StreamPath,
		BootSecret:  secret,
	}, manager, br)

	rt := &Runtime{
		cfg:        cfg,
		bootSecret: secret,
		provider:   provider,
		manager:    manager,
		bridge:     br,
		frontdoor:  fd,
		httpClient: &http.Client{Timeout: agentWakeTimeout},
		fallback:   make(chan *callmanager.CallRecord, 32),
		log:        logging.For("runtime"),
	}
	manager.SetOnCallComplete(rt.onCallComplete)
	return rt, nil
}

func newBootSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// selectTunnel implements spec §4.8's public-URL discovery priority:
// an explicit publicUrl bypasses tunnel discovery entirely; otherwise
// the configured tunnel.provider runs; otherwise tailscale serve is
// tried as the legacy fallback helper.
func (rt *Runtime) selectTunnel() Tunnel {
	if rt.cfg.PublicURL != "" {
		return newNoneTunnel(rt.cfg.PublicURL)
	}
	switch rt.cfg.Tunnel.Provider {
	case "ngrok":
		return newNgrokTunnel(ngrokAuthtoken(), ngrokDomain())
	case "tailscale-serve":
		return newTailscaleTunnel(false)
	case "tailscale-funnel":
		return newTailscaleTunnel(true)
	default:
		return newTailscaleTunnel(false)
	}
}

// Boot runs spec §4.8's boot sequence: starts the listener behind the
// selected tunnel, tells the carrier adapter the public origin, binds
// the adapter to the front door, and finalizes the call manager.
func (rt *Runtime) Boot(ctx context.Context) error {
	tunnel := rt.selectTunnel()
	ln, origin, err := tunnel.Listen(ctx, rt.cfg.Serve.Bind, rt.cfg.Serve.Port)
	if err != nil {
		return fmt.Errorf("runtime: boot: public URL discovery failed: %w", err)
	}
	rt.tunnel = tunnel
	rt.publicOrigin = origin

	go func() {
		if err := rt.frontdoor.Serve(ln); err != nil {
			rt.log.Error().Err(err).Msg("front door listener stopped")
		}
	}()

	if setter, ok := rt.provider.(originSetter); ok {
		setter.SetPublicOrigin(stripScheme(origin), rt.cfg.Streaming.StreamPath)
	}
	rt.frontdoor.SetProvider(rt.provider)
	rt.manager.Finalize(rt.provider, origin)

	rt.log.Info().Str("public_origin", origin).Str("tunnel", rt.cfg.Tunnel.Provider).Msg("instance booted")
	return nil
}

// Shutdown tears down the tunnel, then the front door, per spec §4.8.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.tunnel != nil {
		if err := rt.tunnel.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("tunnel teardown failed")
		}
	}
	if err := rt.frontdoor.Shutdown(ctx); err != nil {
		return err
	}
	return rt.manager.Close()
}

// FallbackEvents exposes the queue the completion callback falls back
// to when the host's agent-wake endpoint can't be reached, so a host
// process can drain it instead of missing the notification entirely.
func (rt *Runtime) FallbackEvents() <-chan *callmanager.CallRecord {
	return rt.fallback
}

func stripScheme(origin string) string {
	origin = strings.TrimPrefix(origin, "https://")
	origin = strings.TrimPrefix(origin, "http://")
	return origin
}

func ngrokAuthtoken() string {
	if v := os.Getenv("SUPERCALL_NGROK_AUTHTOKEN"); v != "" {
		return v
	}
	return os.Getenv("NGROK_AUTHTOKEN")
}

func ngrokDomain() string { return os.Getenv("SUPERCALL_NGROK_DOMAIN") }
