package probe

import (
	"testing"
	"time"

	"kptv-checker/work/config"

	"github.com/stretchr/testify/assert"
)

func TestRunnerReadsLiveConfig(t *testing.T) {
	cfg := &config.Config{StreamAnalysis: config.StreamAnalysis{
		Timeout:        30 * time.Second,
		FFmpegDuration: 10,
	}}
	r := NewRunner(func() *config.Config { return cfg })

	// base timeout + analysis duration + fixed overhead
	assert.Equal(t, 50*time.Second, r.subprocessTimeout())

	// a patched config is picked up on the next probe, no rebuild needed
	cfg = &config.Config{StreamAnalysis: config.StreamAnalysis{
		Timeout:        5 * time.Second,
		FFmpegDuration: 2,
	}}
	assert.Equal(t, 17*time.Second, r.subprocessTimeout())
}
