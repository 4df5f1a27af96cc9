// Tunnel abstracts the public-URL discovery helper runtime assembly
// falls back to when no explicit publicUrl is configured (spec §4.8).
// Its exact shape is explicitly out of scope for this system (spec §1
// Non-goals: "the specific shape of a public-tunnel helper"), so each
// implementation here is a thin shim over the corresponding CLI/SDK
// rather than a fully-specified protocol.
package runtime

import (
	"context"
	"net"
	"strconv"
)

// Tunnel exposes a local listener publicly and reports the origin
// (scheme://host, no trailing slash) it becomes reachable at.
type Tunnel interface {
	// Listen binds bind:port (or, for tunnels that provide their own
	// listener such as ngrok, creates an equivalent virtual listener)
	// and returns it alongside the public origin carrier webhooks and
	// media-stream upgrades should target.
	Listen(ctx context.Context, bind string, port int) (net.Listener, string, error)
	// Close tears down the tunnel. Safe to call on a Tunnel whose
	// Listen was never called or failed.
	Close() error
}

func listenTCP(bind string, port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
}
