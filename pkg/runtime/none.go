package runtime

import (
	"context"
	"fmt"
	"net"
)

// noneTunnel binds a plain local listener and reports the explicit
// publicUrl the operator configured, for setups already reachable
// (e.g. a fixed public IP, or a reverse proxy managed outside this
// process).
type noneTunnel struct {
	publicURL string
}

func newNoneTunnel(publicURL string) *noneTunnel {
	return &noneTunnel{publicURL: publicURL}
}

func (t *noneTunnel) Listen(ctx context.Context, bind string, port int) (net.Listener, string, error) {
	if t.publicURL == "" {
		return nil, "", fmt.Errorf("runtime: tunnel.provider is none but no publicUrl is configured")
	}
	ln, err := listenTCP(bind, port)
	if err != nil {
		return nil, "", err
	}
	return ln, t.publicURL, nil
}

func (t *noneTunnel) Close() error { return nil }
