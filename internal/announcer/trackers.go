package announcer

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/drizzle/internal/tracker"
	"github.com/cenkalti/drizzle/internal/tracker/httptracker"
	"github.com/cenkalti/drizzle/internal/tracker/udptracker"
)

// TrackerConfig holds the options of the trackers created by NewTrackers.
type TrackerConfig struct {
	HTTPTimeout           time.Duration
	HTTPUserAgent         string
	HTTPMaxResponseLength int64
	UDPTimeout            time.Duration
	// Shared by all UDP trackers. Required if any URL has the udp scheme.
	UDPTransport *udptracker.Transport
}

// NewTrackers returns a tracker for every URL, in the same order.
func NewTrackers(urls []string, cfg TrackerConfig) ([]tracker.Tracker, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: cfg.HTTPTimeout,
		DisableKeepAlives:   true,
	}
	ret := make([]tracker.Tracker, 0, len(urls))
	for _, s := range urls {
		u, err := url.Parse(s)
		if err != nil {
			return nil, err
		}
		switch u.Scheme {
		case "http", "https":
			ret = append(ret, httptracker.New(s, u, cfg.HTTPTimeout, transport, cfg.HTTPUserAgent, cfg.HTTPMaxResponseLength))
		case "udp":
			if cfg.UDPTransport == nil {
				return nil, fmt.Errorf("no udp transport for tracker: %s", s)
			}
			ret = append(ret, udptracker.New(s, u, cfg.UDPTransport, cfg.UDPTimeout))
		default:
			return nil, fmt.Errorf("unsupported tracker scheme: %s", u.Scheme)
		}
	}
	return ret, nil
}
