package utils

import (
	"testing"

	"kptv-checker/work/config"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "http://provider.tv/***?***",
		ObfuscateURL("http://provider.tv/live/user/pass/123.ts?token=secret"))
	assert.Equal(t, "http://provider.tv", ObfuscateURL("http://provider.tv"))
	assert.Equal(t, "", ObfuscateURL(""))
}

func TestLogURLHonorsObfuscationFlag(t *testing.T) {
	raw := "http://provider.tv/live/123.ts"
	cfg := &config.Config{}
	assert.Equal(t, raw, LogURL(cfg, raw))

	cfg.ObfuscateUrls = true
	assert.NotContains(t, LogURL(cfg, raw), "/live/123.ts")
}

func TestEqualInt64Slices(t *testing.T) {
	assert.True(t, EqualInt64Slices(nil, nil))
	assert.True(t, EqualInt64Slices([]int64{1, 2, 3}, []int64{1, 2, 3}))
	assert.False(t, EqualInt64Slices([]int64{1, 2, 3}, []int64{3, 2, 1}))
	assert.False(t, EqualInt64Slices([]int64{1, 2}, []int64{1, 2, 3}))
}
