package throttle

import (
	"net/url"
	"strings"
	"time"

	"kptv-checker/work/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// ProviderThrottle serializes probes per origin host. Each host gets one gate,
// created lazily on first use and kept for the process lifetime: a mutex for
// the one-in-flight-probe-per-provider guarantee plus a rate limiter that
// paces probe starts so a provider with many dead streams is not hit
// back-to-back the instant each probe finishes.
//
// The throttle key is host-only (scheme, port and path are ignored). Two
// logical providers sharing a host will over-throttle each other; that is a
// known limitation, not something to guess around.
type ProviderThrottle struct {
	gates  *xsync.MapOf[string, *gate]
	window func() time.Duration
}

type gate struct {
	mu      chan struct{}
	window  time.Duration
	limiter ratelimit.Limiter
}

// New creates a ProviderThrottle pacing at most one probe start per window
// per host. The window is read through the provider on every acquire, so a
// config patch changing the analysis duration re-paces existing gates.
func New(window func() time.Duration) *ProviderThrottle {
	return &ProviderThrottle{
		gates:  xsync.NewMapOf[string, *gate](),
		window: window,
	}
}

// Acquire blocks until the stream's provider gate is free and the pacing
// limiter allows another probe, then returns a release function. The release
// function must be called exactly once, after the probe finishes.
func (pt *ProviderThrottle) Acquire(streamURL string) func() {
	host := HostKey(streamURL)

	g, _ := pt.gates.LoadOrCompute(host, func() *gate {
		logger.Debug("[THROTTLE] Creating gate for provider host: %s", host)
		return &gate{mu: make(chan struct{}, 1)}
	})

	g.mu <- struct{}{}

	// the holder owns the gate, so the limiter can be rebuilt here without
	// extra locking; a window change restarts the pacing clock for this host
	w := pt.window()
	if w <= 0 {
		w = time.Second
	}
	if g.limiter == nil || g.window != w {
		g.window = w
		g.limiter = ratelimit.New(1, ratelimit.Per(w))
	}
	g.limiter.Take()

	return func() { <-g.mu }
}

// GateCount returns the number of provider gates created so far.
func (pt *ProviderThrottle) GateCount() int {
	return pt.gates.Size()
}

// HostKey derives the throttle key from a stream URL: the lowercased network
// host, falling back to the raw string when the URL does not parse.
func HostKey(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(streamURL))
	}
	return strings.ToLower(u.Host)
}
