package announceclient

import (
	"context"
	"net/url"
)

// Dispatcher routes an announce to the HTTP or UDP client by URL scheme,
// letting Announcer treat every tracker in a BEP 12 tier list uniformly
// regardless of transport.
type Dispatcher struct {
	HTTP Client
	UDP  Client
}

// Announce implements Client by parsing rawURL's scheme and delegating.
func (d *Dispatcher) Announce(ctx context.Context, rawURL string, req Request) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errf("parse tracker url: %s", err)
	}
	switch u.Scheme {
	case "http", "https":
		if d.HTTP == nil {
			return nil, errf("no HTTP client configured for %s", rawURL)
		}
		return d.HTTP.Announce(ctx, rawURL, req)
	case "udp":
		if d.UDP == nil {
			return nil, errf("no UDP client configured for %s", rawURL)
		}
		return d.UDP.Announce(ctx, rawURL, req)
	default:
		return nil, errf("unsupported tracker scheme %q", u.Scheme)
	}
}
