package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedWindow(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "cdn.example.com", HostKey("http://CDN.Example.com/live/stream.m3u8"))
	assert.Equal(t, "cdn.example.com:8080", HostKey("http://cdn.example.com:8080/a"))

	// same host, different paths and schemes share a key
	assert.Equal(t, HostKey("http://host.tv/a.ts"), HostKey("https://host.tv/b.m3u8"))

	// unparseable input falls back to the raw string
	assert.Equal(t, "not a url", HostKey("  Not A URL "))
}

func TestSameHostSerializes(t *testing.T) {
	pt := New(fixedWindow(10 * time.Millisecond))

	release := pt.Acquire("http://provider.tv/stream/1")

	second := make(chan struct{})
	go func() {
		r := pt.Acquire("http://provider.tv/stream/2")
		close(second)
		r()
	}()

	select {
	case <-second:
		t.Fatal("second probe acquired the gate while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second probe never acquired the gate after release")
	}
}

func TestDifferentHostsIndependent(t *testing.T) {
	pt := New(fixedWindow(10 * time.Millisecond))

	releaseA := pt.Acquire("http://provider-a.tv/1")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		r := pt.Acquire("http://provider-b.tv/1")
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probe on a different host blocked behind an unrelated gate")
	}
}

func TestAcquirePacesWithinHost(t *testing.T) {
	window := 100 * time.Millisecond
	pt := New(fixedWindow(window))

	r := pt.Acquire("http://slow.tv/1")
	r()

	start := time.Now()
	r = pt.Acquire("http://slow.tv/2")
	r()

	// the limiter spaces starts by the window even though the gate was free
	assert.GreaterOrEqual(t, time.Since(start), window/2)
}

func TestWindowChangeRepacesExistingGate(t *testing.T) {
	window := 2 * time.Second
	pt := New(func() time.Duration { return window })

	// create the gate under the slow window
	pt.Acquire("http://patched.tv/1")()

	// shrink the window; with the old pacing the next pair of acquires would
	// take ~2s, with the new one it finishes almost immediately
	window = time.Millisecond

	start := time.Now()
	pt.Acquire("http://patched.tv/2")()
	pt.Acquire("http://patched.tv/3")()
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateCount(t *testing.T) {
	pt := New(fixedWindow(10 * time.Millisecond))
	require.Zero(t, pt.GateCount())

	pt.Acquire("http://one.tv/a")()
	pt.Acquire("http://one.tv/b")()
	pt.Acquire("http://two.tv/a")()

	assert.Equal(t, 2, pt.GateCount())
}
