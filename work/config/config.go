package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Pipeline mode constants controlling which parts of the checking pipeline run.
// The update-triggered path ("check on update") runs in pipeline_1 and
// pipeline_1_5; the scheduled global action runs in pipeline_1_5, pipeline_2_5
// and pipeline_3. "disabled" suppresses both.
const (
	PipelineDisabled = "disabled"
	Pipeline1        = "pipeline_1"
	Pipeline15       = "pipeline_1_5"
	Pipeline2        = "pipeline_2"
	Pipeline25       = "pipeline_2_5"
	Pipeline3        = "pipeline_3"
)

// Config holds all application configuration values for the stream checker.
// It includes external API access, the global check schedule, probe analysis
// parameters, and scoring weights.
type Config struct {
	BaseURL           string          `json:"baseURL"`           // Base URL of the external media-proxy API
	Username          string          `json:"username"`          // API username for token authentication
	Password          string          `json:"password"`          // API password for token authentication
	AdminPasswordHash string          `json:"adminPasswordHash"` // bcrypt hash protecting the admin API (empty = open)
	ListenPort        int             `json:"listenPort"`        // Port the admin/metrics HTTP server binds to
	PipelineMode      string          `json:"pipelineMode"`      // One of the pipeline mode constants above
	WorkerThreads     int             `json:"workerThreads"`     // Worker pool size for cached-stats fetches and pushes
	Debug             bool            `json:"debug"`             // Enable debug logging
	ObfuscateUrls     bool            `json:"obfuscateUrls"`     // Obfuscate stream URLs in logs
	CacheDuration     time.Duration   `json:"cacheDuration"`     // TTL for the stream-stats cache
	GlobalSchedule    GlobalSchedule  `json:"globalCheckSchedule"`
	StreamAnalysis    StreamAnalysis  `json:"streamAnalysis"`
	Scoring           ScoringConfig   `json:"scoring"`
	Queue             QueueConfig     `json:"queue"`
	Discovery         DiscoveryConfig `json:"discovery"`
}

// GlobalSchedule configures the off-peak fleet-wide re-check.
type GlobalSchedule struct {
	Enabled                 bool   `json:"enabled"`                 // Master switch for the scheduled global action
	Frequency               string `json:"frequency"`               // "daily" or "monthly"
	Hour                    int    `json:"hour"`                    // Scheduled hour of day (0-23)
	Minute                  int    `json:"minute"`                  // Scheduled minute (0-59)
	DayOfMonth              int    `json:"dayOfMonth"`              // Day of month for monthly frequency (1-28)
	StartupToleranceMinutes int    `json:"startupToleranceMinutes"` // Fresh-start window around the scheduled time
}

// StreamAnalysis configures the probe subprocess behavior.
type StreamAnalysis struct {
	FFmpegDuration int           `json:"ffmpegDuration"` // Seconds of stream to analyze per probe
	IdetFrames     int           `json:"idetFrames"`     // Frames fed through the idet interlace filter
	Timeout        time.Duration `json:"timeout"`        // Base timeout per subprocess call (analysis duration is added on top)
	Retries        int           `json:"retries"`        // Probe attempts before the stream is recorded as failed
	RetryDelay     time.Duration `json:"retryDelay"`     // Fixed delay between probe attempts
	SettleDelay    time.Duration `json:"settleDelay"`    // Wait before verifying a written stream order
	UserAgent      string        `json:"userAgent"`      // User-Agent presented to stream providers
}

// ScoringConfig holds the weighted scoring model parameters. Weights are
// relative; they do not have to sum to 1.0.
type ScoringConfig struct {
	Weights               ScoringWeights `json:"weights"`
	PreferH265            bool           `json:"preferH265"`            // Rank hevc/h265 above h264/avc when true
	PenalizeInterlaced    bool           `json:"penalizeInterlaced"`    // Apply the interlace penalty
	PenalizeDroppedFrames bool           `json:"penalizeDroppedFrames"` // Apply the dropped-frame ratio penalty
}

// ScoringWeights names the relative weight of each score component.
type ScoringWeights struct {
	Bitrate    float64 `json:"bitrate"`
	Resolution float64 `json:"resolution"`
	FPS        float64 `json:"fps"`
	Codec      float64 `json:"codec"`
	Errors     float64 `json:"errors"`
}

// QueueConfig bounds the check queue.
type QueueConfig struct {
	MaxSize           int `json:"maxSize"`           // Maximum channels held in queued state
	MaxChannelsPerRun int `json:"maxChannelsPerRun"` // Cap per scheduler drain of updated channels
}

// DiscoveryConfig controls the regex name-to-channel matcher run during the
// global action.
type DiscoveryConfig struct {
	Enabled      bool   `json:"enabled"`
	NamePattern  string `json:"namePattern"`  // Regex applied to unassigned stream names
	CaseInsens   bool   `json:"caseInsens"`   // Compile the pattern case-insensitively
	MaxPerChan   int    `json:"maxPerChan"`   // Cap on streams auto-assigned to one channel (0 = unlimited)
	RefreshFirst bool   `json:"refreshFirst"` // Refresh playlist accounts before matching
}

// configFile mirrors Config for JSON (de)serialization; duration fields are
// strings (e.g. "30m") and parsed on load.
type configFile struct {
	BaseURL           string          `json:"baseURL"`
	Username          string          `json:"username"`
	Password          string          `json:"password"`
	AdminPasswordHash string          `json:"adminPasswordHash"`
	ListenPort        int             `json:"listenPort"`
	PipelineMode      string          `json:"pipelineMode"`
	WorkerThreads     int             `json:"workerThreads"`
	Debug             bool            `json:"debug"`
	ObfuscateUrls     bool            `json:"obfuscateUrls"`
	CacheDuration     string          `json:"cacheDuration"`
	GlobalSchedule    GlobalSchedule  `json:"globalCheckSchedule"`
	StreamAnalysis    streamAnalysisF `json:"streamAnalysis"`
	Scoring           ScoringConfig   `json:"scoring"`
	Queue             QueueConfig     `json:"queue"`
	Discovery         DiscoveryConfig `json:"discovery"`
}

type streamAnalysisF struct {
	FFmpegDuration int    `json:"ffmpegDuration"`
	IdetFrames     int    `json:"idetFrames"`
	Timeout        string `json:"timeout"`
	Retries        int    `json:"retries"`
	RetryDelay     string `json:"retryDelay"`
	SettleDelay    string `json:"settleDelay"`
	UserAgent      string `json:"userAgent"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Dir returns the settings directory, honoring the CONFIG_DIR environment
// variable with a /settings fallback.
func Dir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/settings"
}

// Path returns the full path of the JSON config file.
func Path() string {
	return filepath.Join(Dir(), "checker.json")
}

// DatabasePath returns the path of the tracker's sqlite database.
func DatabasePath() string {
	return filepath.Join(Dir(), "checker.db")
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the file under CONFIG_DIR.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := Path()
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Base URL: %s", config.BaseURL)
		log.Printf("  Pipeline Mode: %s", config.PipelineMode)
		log.Printf("  Global Schedule: enabled=%v freq=%s %02d:%02d",
			config.GlobalSchedule.Enabled, config.GlobalSchedule.Frequency,
			config.GlobalSchedule.Hour, config.GlobalSchedule.Minute)
		log.Printf("  Analysis: %ds duration, %d retries, %s timeout",
			config.StreamAnalysis.FFmpegDuration, config.StreamAnalysis.Retries,
			config.StreamAnalysis.Timeout)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&cf)
}

// convertFromFile converts a configFile to Config, parsing duration strings
// into time.Duration.
func convertFromFile(cf *configFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		Username:          cf.Username,
		Password:          cf.Password,
		AdminPasswordHash: cf.AdminPasswordHash,
		ListenPort:        cf.ListenPort,
		PipelineMode:      cf.PipelineMode,
		WorkerThreads:     cf.WorkerThreads,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		GlobalSchedule:    cf.GlobalSchedule,
		Scoring:           cf.Scoring,
		Queue:             cf.Queue,
		Discovery:         cf.Discovery,
		StreamAnalysis: StreamAnalysis{
			FFmpegDuration: cf.StreamAnalysis.FFmpegDuration,
			IdetFrames:     cf.StreamAnalysis.IdetFrames,
			Retries:        cf.StreamAnalysis.Retries,
			UserAgent:      cf.StreamAnalysis.UserAgent,
		},
	}

	// Parse duration fields
	var err error
	if cf.CacheDuration != "" {
		if config.CacheDuration, err = time.ParseDuration(cf.CacheDuration); err != nil {
			return nil, fmt.Errorf("invalid cacheDuration: %w", err)
		}
	}
	if cf.StreamAnalysis.Timeout != "" {
		if config.StreamAnalysis.Timeout, err = time.ParseDuration(cf.StreamAnalysis.Timeout); err != nil {
			return nil, fmt.Errorf("invalid streamAnalysis.timeout: %w", err)
		}
	}
	if cf.StreamAnalysis.RetryDelay != "" {
		if config.StreamAnalysis.RetryDelay, err = time.ParseDuration(cf.StreamAnalysis.RetryDelay); err != nil {
			return nil, fmt.Errorf("invalid streamAnalysis.retryDelay: %w", err)
		}
	}
	if cf.StreamAnalysis.SettleDelay != "" {
		if config.StreamAnalysis.SettleDelay, err = time.ParseDuration(cf.StreamAnalysis.SettleDelay); err != nil {
			return nil, fmt.Errorf("invalid streamAnalysis.settleDelay: %w", err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:       "http://localhost:9191",
		ListenPort:    8089,
		PipelineMode:  Pipeline15,
		WorkerThreads: 8,
		Debug:         false,
		ObfuscateUrls: false,
		CacheDuration: 30 * time.Minute,
		GlobalSchedule: GlobalSchedule{
			Enabled:                 true,
			Frequency:               "daily",
			Hour:                    3,
			Minute:                  0,
			DayOfMonth:              1,
			StartupToleranceMinutes: 10,
		},
		StreamAnalysis: StreamAnalysis{
			FFmpegDuration: 10,
			IdetFrames:     200,
			Timeout:        30 * time.Second,
			Retries:        3,
			RetryDelay:     5 * time.Second,
			SettleDelay:    2 * time.Second,
			UserAgent:      "VLC/3.0.18 LibVLC/3.0.18",
		},
		Scoring: ScoringConfig{
			Weights: ScoringWeights{
				Bitrate:    0.30,
				Resolution: 0.25,
				FPS:        0.15,
				Codec:      0.10,
				Errors:     0.20,
			},
			PreferH265:            true,
			PenalizeInterlaced:    true,
			PenalizeDroppedFrames: true,
		},
		Queue: QueueConfig{
			MaxSize:           500,
			MaxChannelsPerRun: 50,
		},
		Discovery: DiscoveryConfig{
			Enabled:      false,
			CaseInsens:   true,
			RefreshFirst: true,
		},
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:9191"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8089
	}
	switch config.PipelineMode {
	case PipelineDisabled, Pipeline1, Pipeline15, Pipeline2, Pipeline25, Pipeline3:
	default:
		config.PipelineMode = Pipeline15
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Minute
	}

	gs := &config.GlobalSchedule
	if gs.Frequency != "daily" && gs.Frequency != "monthly" {
		gs.Frequency = "daily"
	}
	if gs.Hour < 0 || gs.Hour > 23 {
		gs.Hour = 3
	}
	if gs.Minute < 0 || gs.Minute > 59 {
		gs.Minute = 0
	}
	if gs.DayOfMonth < 1 || gs.DayOfMonth > 28 {
		gs.DayOfMonth = 1
	}
	if gs.StartupToleranceMinutes <= 0 {
		gs.StartupToleranceMinutes = 10
	}

	sa := &config.StreamAnalysis
	if sa.FFmpegDuration <= 0 {
		sa.FFmpegDuration = 10
	}
	if sa.IdetFrames <= 0 {
		sa.IdetFrames = 200
	}
	if sa.Timeout <= 0 {
		sa.Timeout = 30 * time.Second
	}
	if sa.Retries <= 0 {
		sa.Retries = 3
	}
	if sa.RetryDelay <= 0 {
		sa.RetryDelay = 5 * time.Second
	}
	if sa.SettleDelay <= 0 {
		sa.SettleDelay = 2 * time.Second
	}
	if sa.UserAgent == "" {
		sa.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}

	w := &config.Scoring.Weights
	if w.Bitrate <= 0 && w.Resolution <= 0 && w.FPS <= 0 && w.Codec <= 0 && w.Errors <= 0 {
		*w = ScoringWeights{Bitrate: 0.30, Resolution: 0.25, FPS: 0.15, Codec: 0.10, Errors: 0.20}
	}

	if config.Queue.MaxSize <= 0 {
		config.Queue.MaxSize = 500
	}
	if config.Queue.MaxChannelsPerRun <= 0 {
		config.Queue.MaxChannelsPerRun = 50
	}
}

// Patch deep-merges a partial JSON document into the on-disk configuration,
// persists the result, and reloads the cache. Unknown keys are kept in the
// file so round-trips never drop settings the merge did not touch.
//
// Returns the freshly loaded configuration.
func Patch(patch map[string]interface{}) (*Config, error) {
	configMutex.Lock()

	// Start from whatever is on disk; missing file means merge into defaults.
	base := map[string]interface{}{}
	if data, err := os.ReadFile(Path()); err == nil {
		if err := json.Unmarshal(data, &base); err != nil {
			configMutex.Unlock()
			return nil, fmt.Errorf("existing config unparseable: %w", err)
		}
	}

	deepMerge(base, patch)

	data, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		configMutex.Unlock()
		return nil, fmt.Errorf("failed to marshal merged config: %w", err)
	}

	if err := os.MkdirAll(Dir(), 0755); err != nil {
		configMutex.Unlock()
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(Path(), data, 0644); err != nil {
		configMutex.Unlock()
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}

	// Invalidate the cache, then reload outside the patch lock.
	configCache = nil
	configMutex.Unlock()

	return LoadConfig(), nil
}

// deepMerge merges src into dst recursively. Nested objects merge key by key;
// everything else (scalars, arrays) is replaced wholesale.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := configFile{
		BaseURL:       "http://localhost:9191",
		Username:      "admin",
		Password:      "",
		ListenPort:    8089,
		PipelineMode:  Pipeline15,
		WorkerThreads: 8,
		Debug:         false,
		ObfuscateUrls: true,
		CacheDuration: "30m",
		GlobalSchedule: GlobalSchedule{
			Enabled:                 true,
			Frequency:               "daily",
			Hour:                    3,
			Minute:                  0,
			DayOfMonth:              1,
			StartupToleranceMinutes: 10,
		},
		StreamAnalysis: streamAnalysisF{
			FFmpegDuration: 10,
			IdetFrames:     200,
			Timeout:        "30s",
			Retries:        3,
			RetryDelay:     "5s",
			SettleDelay:    "2s",
			UserAgent:      "VLC/3.0.18 LibVLC/3.0.18",
		},
		Scoring: ScoringConfig{
			Weights: ScoringWeights{
				Bitrate:    0.30,
				Resolution: 0.25,
				FPS:        0.15,
				Codec:      0.10,
				Errors:     0.20,
			},
			PreferH265:            true,
			PenalizeInterlaced:    true,
			PenalizeDroppedFrames: true,
		},
		Queue: QueueConfig{
			MaxSize:           500,
			MaxChannelsPerRun: 50,
		},
		Discovery: DiscoveryConfig{
			Enabled:      false,
			NamePattern:  "",
			CaseInsens:   true,
			RefreshFirst: true,
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

