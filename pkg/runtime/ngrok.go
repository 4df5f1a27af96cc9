package runtime

import (
	"context"
	"fmt"
	"net"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// ngrokTunnel opens an ngrok-backed listener, which both terminates the
// public connection and reports the origin it was assigned (or the
// reserved domain, if one was configured).
type ngrokTunnel struct {
	authtoken string
	domain    string
	ln        ngrok.Tunnel
}

func newNgrokTunnel(authtoken, domain string) *ngrokTunnel {
	return &ngrokTunnel{authtoken: authtoken, domain: domain}
}

func (t *ngrokTunnel) Listen(ctx context.Context, bind string, port int) (net.Listener, string, error) {
	if t.authtoken == "" {
		return nil, "", fmt.Errorf("runtime: tunnel.provider is ngrok but no authtoken is configured")
	}

	var endpointOpts []config.HTTPEndpointOption
	if t.domain != "" {
		endpointOpts = append(endpointOpts, config.WithDomain(t.domain))
	}

	ln, err := ngrok.Listen(ctx,
		config.HTTPEndpoint(endpointOpts...),
		ngrok.WithAuthtoken(t.authtoken),
	)
	if err != nil {
		return nil, "", fmt.Errorf("runtime: ngrok listen: %w", err)
	}
	t.ln = ln
	return ln, ln.URL(), nil
}

func (t *ngrokTunnel) Close() error {
	if t.ln == nil {
		return nil
	}
	return t.ln.Close()
}
