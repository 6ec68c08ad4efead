package tracker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAndClearIsOneShot(t *testing.T) {
	trk := New(nil)

	trk.MarkChannelsUpdated([]int64{1, 2, 3}, nil)

	first := trk.GetAndClearChannelsNeedingCheck(0)
	assert.ElementsMatch(t, []int64{1, 2, 3}, first)

	// the clear happened under the same lock as the read
	second := trk.GetAndClearChannelsNeedingCheck(0)
	assert.Empty(t, second)
}

func TestRepeatedUpdateMarksYieldOneEntry(t *testing.T) {
	trk := New(nil)

	trk.MarkChannelsUpdated([]int64{7}, nil)
	trk.MarkChannelsUpdated([]int64{7}, map[int64]int{7: 12})

	ids := trk.GetAndClearChannelsNeedingCheck(0)
	assert.Equal(t, []int64{7}, ids)
}

func TestGetAndClearRespectsCap(t *testing.T) {
	trk := New(nil)

	trk.MarkChannelsUpdated([]int64{1, 2, 3, 4, 5}, nil)

	batch := trk.GetAndClearChannelsNeedingCheck(2)
	assert.Len(t, batch, 2)

	rest := trk.GetAndClearChannelsNeedingCheck(0)
	assert.Len(t, rest, 3)
	assert.NotSubset(t, rest, batch)
}

func TestForceCheckLifecycle(t *testing.T) {
	trk := New(nil)

	assert.False(t, trk.ShouldForceCheck(9))

	trk.MarkChannelForForceCheck(9)
	assert.True(t, trk.ShouldForceCheck(9))

	trk.ClearForceCheck(9)
	assert.False(t, trk.ShouldForceCheck(9))
}

func TestMarkChannelCheckedReplacesCheckedSet(t *testing.T) {
	trk := New(nil)

	trk.MarkChannelChecked(4, 3, []int64{10, 11, 12})
	assert.ElementsMatch(t, []int64{10, 11, 12}, trk.CheckedStreamIDs(4))

	// a later cycle with fewer streams replaces, never merges
	trk.MarkChannelChecked(4, 2, []int64{10, 13})
	assert.ElementsMatch(t, []int64{10, 13}, trk.CheckedStreamIDs(4))

	// mutating the returned slice must not leak into the record
	ids := trk.CheckedStreamIDs(4)
	ids[0] = 999
	assert.ElementsMatch(t, []int64{10, 13}, trk.CheckedStreamIDs(4))
}

func TestMarkChannelCheckedClearsNeedsCheck(t *testing.T) {
	trk := New(nil)

	trk.MarkChannelsUpdated([]int64{5}, nil)
	trk.MarkChannelChecked(5, 1, []int64{50})

	assert.Empty(t, trk.GetAndClearChannelsNeedingCheck(0))
}

func TestGlobalCheckTimestamp(t *testing.T) {
	trk := New(nil)

	assert.True(t, trk.GetLastGlobalCheck().IsZero())

	before := time.Now()
	trk.MarkGlobalCheck()
	after := time.Now()

	last := trk.GetLastGlobalCheck()
	assert.False(t, last.Before(before))
	assert.False(t, last.After(after))
}

func TestSQLitePersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := OpenStore(path)
	require.NoError(t, err)

	trk := New(store)
	trk.MarkChannelsUpdated([]int64{1, 2}, map[int64]int{1: 4, 2: 7})
	trk.MarkChannelChecked(2, 7, []int64{20, 21, 22})
	trk.MarkChannelForForceCheck(1)
	trk.MarkGlobalCheck()
	lastGlobal := trk.GetLastGlobalCheck()
	require.NoError(t, store.Close())

	// reopen and verify a fresh tracker sees the same state
	store2, err := OpenStore(path)
	require.NoError(t, err)
	defer store2.Close()

	reloaded := New(store2)
	assert.Equal(t, 2, reloaded.RecordCount())
	assert.True(t, reloaded.ShouldForceCheck(1))
	assert.False(t, reloaded.ShouldForceCheck(2))
	assert.ElementsMatch(t, []int64{20, 21, 22}, reloaded.CheckedStreamIDs(2))
	assert.Equal(t, lastGlobal.Unix(), reloaded.GetLastGlobalCheck().Unix())

	// channel 1 still needs a check, channel 2 was checked
	assert.Equal(t, []int64{1}, reloaded.GetAndClearChannelsNeedingCheck(0))
}

func TestNilStoreIsInMemoryOnly(t *testing.T) {
	trk := New(nil)
	trk.MarkChannelsUpdated([]int64{1}, nil)
	trk.MarkGlobalCheck()
	assert.Equal(t, 1, trk.RecordCount())
}
