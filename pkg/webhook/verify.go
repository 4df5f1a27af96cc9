// Package webhook verifies signed carrier webhook requests, reconstructing
// the URL the carrier actually signed even behind a reverse proxy or
// tunnel.
//
// Grounded on the HMAC-SHA1 URL-signing scheme in
// binuadmin-moya-rapidpro-mailroom-source/core/ivr/nexmo/nexmo.go's
// calculateSignature/ValidateRequestSignature, adapted from Nexmo's
// scheme (sign the URL plus sorted query keys, keyed by app ID) to
// Twilio's scheme (sign the URL plus every sorted key+value pair of the
// form body, keyed by the account auth token).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the carrier's signing scheme, not used for security-sensitive hashing
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/agentplexus/supercall/pkg/logging"
)

var log = logging.For("webhook")

// Result is the outcome of a Verify call.
type Result struct {
	OK            bool
	Reason        string
	URL           string
	NgrokFreeTier bool
}

// Verify checks the carrier's signature header against an HMAC-SHA1 of
// the reconstructed URL plus the sorted key+value pairs of the form
// body, keyed by authToken. The comparison is constant-time.
func Verify(ctx context.Context, req Request, authToken, signature string, overridePublicURL string) Result {
	reconstructed := reconstructURL(req, overridePublicURL)

	expected := sign(reconstructed, req.Form, authToken)
	ok := hmac.Equal([]byte(expected), []byte(signature))

	res := Result{OK: ok, URL: reconstructed}
	if !ok {
		res.Reason = "signature mismatch"
		if isNgrokFreeTierHost(hostOf(reconstructed)) {
			res.NgrokFreeTier = true
		}
		log.Warn().Str("url", reconstructed).Bool("ngrok_free_tier", res.NgrokFreeTier).Msg("webhook signature verification failed")
	}
	return res
}

// Request carries the subset of an inbound HTTP request Verify needs,
// so this package never depends on net/http directly.
type Request struct {
	Path               string
	RawQuery           string
	Form               map[string][]string
	XForwardedProto    string
	XForwardedHost     string
	XOriginalHost      string
	NgrokForwardedHost string
	Host               string
}

// sign computes base64(HMAC-SHA1(authToken, url + sorted(key+value)*)).
func sign(reconstructedURL string, form map[string][]string, authToken string) string {
	var b strings.Builder
	b.WriteString(reconstructedURL)

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString(k)
		for _, v := range form[k] {
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// reconstructURL rebuilds the URL the carrier actually signed: the
// override's origin plus the request's path+query if set, else the
// X-Forwarded-Proto/Host chain, with any port stripped from the host.
func reconstructURL(req Request, overridePublicURL string) string {
	if overridePublicURL != "" {
		if u, err := url.Parse(overridePublicURL); err == nil {
			pathAndQuery := req.Path
			if req.RawQuery != "" {
				pathAndQuery += "?" + req.RawQuery
			}
			return u.Scheme + "://" + stripPort(u.Host) + pathAndQuery
		}
	}

	proto := req.XForwardedProto
	if proto == "" {
		proto = "https"
	}
	host := firstNonEmpty(req.XForwardedHost, req.XOriginalHost, req.NgrokForwardedHost, req.Host)
	host = stripPort(host)

	pathAndQuery := req.Path
	if req.RawQuery != "" {
		pathAndQuery += "?" + req.RawQuery
	}
	return proto + "://" + host + pathAndQuery
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func isNgrokFreeTierHost(host string) bool {
	return strings.HasSuffix(host, ".ngrok-free.app") || strings.HasSuffix(host, ".ngrok.io")
}
