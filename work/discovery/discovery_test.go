package discovery

import (
	"testing"

	"kptv-checker/work/config"
	"kptv-checker/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	accounts    []*types.M3UAccount
	unassigned  []*types.Stream
	refreshed   []int64
	assignments map[int64][]int64
}

func (f *fakeAPI) FetchChannels() ([]*types.Channel, error)           { return nil, nil }
func (f *fakeAPI) FetchChannelStreams(int64) ([]*types.Stream, error) { return nil, nil }
func (f *fakeAPI) UpdateChannelStreams(int64, []int64) error          { return nil }
func (f *fakeAPI) FetchStreamStats(int64) (*types.ProbeResult, error) { return nil, nil }
func (f *fakeAPI) PatchStreamStats(int64, *types.ProbeResult) error   { return nil }
func (f *fakeAPI) GetM3UAccounts() ([]*types.M3UAccount, error)       { return f.accounts, nil }
func (f *fakeAPI) FetchUnassignedStreams() ([]*types.Stream, error)   { return f.unassigned, nil }

func (f *fakeAPI) RefreshAccount(accountID int64) error {
	f.refreshed = append(f.refreshed, accountID)
	return nil
}

func (f *fakeAPI) AssignStreamsToChannel(channelID int64, streamIDs []int64) error {
	if f.assignments == nil {
		f.assignments = make(map[int64][]int64)
	}
	f.assignments[channelID] = append(f.assignments[channelID], streamIDs...)
	return nil
}

func discoveryConfig(d config.DiscoveryConfig) func() *config.Config {
	cfg := &config.Config{Discovery: d}
	return func() *config.Config { return cfg }
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "channel one", normalizeName("Channel One FHD"))
	assert.Equal(t, "channel one", normalizeName("  CHANNEL   ONE  "))
	assert.Equal(t, "channel one", normalizeName("Channel One 1080p HEVC"))
	assert.Equal(t, "news 24", normalizeName("News 24 HD"))

	// tags only strip as whole words
	assert.Equal(t, "shades", normalizeName("Shades"))
}

func TestRefreshAccountsSkipsInactive(t *testing.T) {
	api := &fakeAPI{accounts: []*types.M3UAccount{
		{ID: 1, Name: "Main", IsActive: true},
		{ID: 2, Name: "Disabled", IsActive: false},
		{ID: 3, Name: "Backup", IsActive: true},
	}}
	m := NewMatcher(api, discoveryConfig(config.DiscoveryConfig{}))

	require.NoError(t, m.RefreshAccounts())
	assert.Equal(t, []int64{1, 3}, api.refreshed)
}

func TestRunDisabledDoesNothing(t *testing.T) {
	api := &fakeAPI{unassigned: []*types.Stream{{ID: 1, Name: "Channel One"}}}
	m := NewMatcher(api, discoveryConfig(config.DiscoveryConfig{Enabled: false}))

	assigned, err := m.Run([]*types.Channel{{ID: 1, Name: "Channel One"}})
	require.NoError(t, err)
	assert.Zero(t, assigned)
	assert.Empty(t, api.assignments)
}

func TestRunMatchesNormalizedNames(t *testing.T) {
	api := &fakeAPI{unassigned: []*types.Stream{
		{ID: 100, Name: "Channel One FHD"},
		{ID: 101, Name: "CHANNEL ONE hd"},
		{ID: 102, Name: "Totally Different"},
	}}
	m := NewMatcher(api, discoveryConfig(config.DiscoveryConfig{Enabled: true}))

	assigned, err := m.Run([]*types.Channel{{ID: 1, Name: "Channel One"}})
	require.NoError(t, err)
	assert.Equal(t, 2, assigned)
	assert.ElementsMatch(t, []int64{100, 101}, api.assignments[1])
}

func TestRunReadsSettingsPerSweep(t *testing.T) {
	api := &fakeAPI{unassigned: []*types.Stream{{ID: 100, Name: "Channel One FHD"}}}
	cfg := &config.Config{Discovery: config.DiscoveryConfig{Enabled: false}}
	m := NewMatcher(api, func() *config.Config { return cfg })
	channels := []*types.Channel{{ID: 1, Name: "Channel One"}}

	assigned, err := m.Run(channels)
	require.NoError(t, err)
	assert.Zero(t, assigned)

	// enabling discovery takes effect on the next run, no rebuild needed
	cfg = &config.Config{Discovery: config.DiscoveryConfig{Enabled: true}}

	assigned, err = m.Run(channels)
	require.NoError(t, err)
	assert.Equal(t, 1, assigned)
}

func TestRunHonorsNamePatternAndCap(t *testing.T) {
	api := &fakeAPI{unassigned: []*types.Stream{
		{ID: 200, Name: "Sports One HD"},
		{ID: 201, Name: "Sports One FHD"},
		{ID: 202, Name: "Sports One 4K"},
	}}
	m := NewMatcher(api, discoveryConfig(config.DiscoveryConfig{
		Enabled:     true,
		NamePattern: "sports",
		CaseInsens:  true,
		MaxPerChan:  1,
	}))

	assigned, err := m.Run([]*types.Channel{{ID: 5, Name: "Sports One"}})
	require.NoError(t, err)
	assert.Equal(t, 1, assigned)
	assert.Len(t, api.assignments[5], 1)
}
