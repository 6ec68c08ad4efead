package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)
	return dir
}

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	useTempConfigDir(t)

	cfg := LoadConfig()
	assert.Equal(t, Pipeline15, cfg.PipelineMode)
	assert.Equal(t, 10, cfg.StreamAnalysis.FFmpegDuration)
	assert.Equal(t, 3, cfg.GlobalSchedule.Hour)
	assert.Equal(t, 10, cfg.GlobalSchedule.StartupToleranceMinutes)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
}

func TestLoadConfigParsesDurations(t *testing.T) {
	dir := useTempConfigDir(t)

	raw := `{
		"baseURL": "http://proxy:9191",
		"cacheDuration": "15m",
		"streamAnalysis": {
			"ffmpegDuration": 20,
			"timeout": "45s",
			"retryDelay": "2s",
			"settleDelay": "500ms"
		}
	}`
	require.NoError(t, os.WriteFile(dir+"/checker.json", []byte(raw), 0644))

	cfg := LoadConfig()
	assert.Equal(t, "http://proxy:9191", cfg.BaseURL)
	assert.Equal(t, 15*time.Minute, cfg.CacheDuration)
	assert.Equal(t, 20, cfg.StreamAnalysis.FFmpegDuration)
	assert.Equal(t, 45*time.Second, cfg.StreamAnalysis.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.StreamAnalysis.SettleDelay)
}

func TestLoadConfigIsCached(t *testing.T) {
	useTempConfigDir(t)
	assert.Same(t, LoadConfig(), LoadConfig())
}

func TestValidateAndSetDefaults(t *testing.T) {
	cfg := &Config{
		PipelineMode:  "nonsense",
		WorkerThreads: -1,
		GlobalSchedule: GlobalSchedule{
			Frequency: "hourly",
			Hour:      99,
		},
	}
	validateAndSetDefaults(cfg)

	assert.Equal(t, Pipeline15, cfg.PipelineMode)
	assert.Equal(t, 8, cfg.WorkerThreads)
	assert.Equal(t, "daily", cfg.GlobalSchedule.Frequency)
	assert.Equal(t, 3, cfg.GlobalSchedule.Hour)
	assert.Equal(t, 3, cfg.StreamAnalysis.Retries)
	assert.Positive(t, cfg.Scoring.Weights.Bitrate)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": "keep",
		"nested": map[string]interface{}{
			"x": 1.0,
			"y": 2.0,
		},
		"list": []interface{}{"one", "two"},
	}
	src := map[string]interface{}{
		"nested": map[string]interface{}{
			"y": 9.0,
		},
		"list": []interface{}{"replaced"},
		"new":  true,
	}

	deepMerge(dst, src)

	assert.Equal(t, "keep", dst["a"])
	nested := dst["nested"].(map[string]interface{})
	assert.Equal(t, 1.0, nested["x"], "untouched nested keys survive")
	assert.Equal(t, 9.0, nested["y"])
	assert.Equal(t, []interface{}{"replaced"}, dst["list"], "arrays replace wholesale")
	assert.Equal(t, true, dst["new"])
}

func TestPatchRoundTrip(t *testing.T) {
	dir := useTempConfigDir(t)

	seed := `{"baseURL": "http://proxy:9191", "pipelineMode": "pipeline_1", "customKey": "survives"}`
	require.NoError(t, os.WriteFile(dir+"/checker.json", []byte(seed), 0644))

	cfg, err := Patch(map[string]interface{}{
		"pipelineMode": "pipeline_3",
		"globalCheckSchedule": map[string]interface{}{
			"hour": 4.0,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, Pipeline3, cfg.PipelineMode)
	assert.Equal(t, "http://proxy:9191", cfg.BaseURL, "unpatched keys keep their value")
	assert.Equal(t, 4, cfg.GlobalSchedule.Hour)

	// unknown keys survive the merge on disk
	data, err := os.ReadFile(Path())
	require.NoError(t, err)
	var onDisk map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "survives", onDisk["customKey"])
}

func TestPatchCreatesFileFromScratch(t *testing.T) {
	useTempConfigDir(t)

	cfg, err := Patch(map[string]interface{}{"debug": true})
	require.NoError(t, err)
	assert.True(t, cfg.Debug)

	_, err = os.Stat(Path())
	assert.NoError(t, err)
}
