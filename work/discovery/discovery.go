package discovery

import (
	"fmt"
	"strings"

	"kptv-checker/work/api"
	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/types"

	"github.com/grafana/regexp"
)

// qualityTagRegex strips common quality/region suffixes so "Channel One FHD"
// and "Channel One" normalize to the same key.
var qualityTagRegex = regexp.MustCompile(`(?i)\b(fhd|uhd|hd|sd|4k|1080p?|720p?|h265|hevc|raw|vip)\b`)

// Matcher implements the regex-based name-to-channel assignment run as step 2
// of the global action: refresh playlist accounts, then attach unassigned
// streams whose normalized name matches an existing channel.
type Matcher struct {
	api api.API
	cfg func() *config.Config
}

// NewMatcher creates a Matcher. Discovery settings are read through the
// provider on every run, so a config patch applies to the next sweep without a
// restart.
func NewMatcher(apiClient api.API, cfg func() *config.Config) *Matcher {
	return &Matcher{api: apiClient, cfg: cfg}
}

// RefreshAccounts triggers a playlist refresh on every active source account.
// Individual account failures are logged and skipped; one broken provider must
// not block the sweep.
func (m *Matcher) RefreshAccounts() error {
	accounts, err := m.api.GetM3UAccounts()
	if err != nil {
		return fmt.Errorf("failed to fetch accounts: %w", err)
	}

	refreshed := 0
	for _, account := range accounts {
		if !account.IsActive {
			continue
		}
		if err := m.api.RefreshAccount(account.ID); err != nil {
			logger.Warn("[DISCOVERY] Failed to refresh account %s (%d): %v", account.Name, account.ID, err)
			continue
		}
		refreshed++
	}

	logger.Info("[DISCOVERY] Refreshed %d/%d playlist accounts", refreshed, len(accounts))
	return nil
}

// Run matches unassigned streams against the given channels by normalized
// name and assigns the matches. Returns the number of streams assigned.
func (m *Matcher) Run(channels []*types.Channel) (int, error) {
	d := m.cfg().Discovery
	if !d.Enabled {
		return 0, nil
	}

	streams, err := m.api.FetchUnassignedStreams()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unassigned streams: %w", err)
	}
	if len(streams) == 0 {
		return 0, nil
	}

	// Optional name filter narrowing which streams are even considered.
	var filter *regexp.Regexp
	if pattern := d.NamePattern; pattern != "" {
		if d.CaseInsens {
			pattern = "(?i)" + pattern
		}
		filter, err = regexp.Compile(pattern)
		if err != nil {
			// invalid pattern means match everything, same as no filter
			logger.Error("[DISCOVERY] Invalid name pattern %q, ignoring: %v", d.NamePattern, err)
			filter = nil
		}
	}

	byName := make(map[string]*types.Channel, len(channels))
	for _, channel := range channels {
		byName[normalizeName(channel.Name)] = channel
	}

	matches := make(map[int64][]int64)
	for _, stream := range streams {
		if filter != nil && !filter.MatchString(stream.Name) {
			continue
		}
		channel, ok := byName[normalizeName(stream.Name)]
		if !ok {
			continue
		}
		if max := d.MaxPerChan; max > 0 && len(matches[channel.ID]) >= max {
			continue
		}
		matches[channel.ID] = append(matches[channel.ID], stream.ID)
	}

	assigned := 0
	for channelID, streamIDs := range matches {
		if err := m.api.AssignStreamsToChannel(channelID, streamIDs); err != nil {
			logger.Warn("[DISCOVERY] Failed to assign %d streams to channel %d: %v", len(streamIDs), channelID, err)
			continue
		}
		assigned += len(streamIDs)
		logger.Debug("[DISCOVERY] Assigned %d streams to channel %d", len(streamIDs), channelID)
	}

	logger.Info("[DISCOVERY] Assigned %d of %d unassigned streams", assigned, len(streams))
	return assigned, nil
}

// normalizeName lowercases, strips quality tags and collapses whitespace so
// provider naming variants land on the same key.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = qualityTagRegex.ReplaceAllString(name, "")
	return strings.Join(strings.Fields(name), " ")
}
