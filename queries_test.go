// queries_test.go: query cache windows and invalidation tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusInfoCache_PassThroughOutsideProcessing(t *testing.T) {
	cache := NewBusInfoCache()
	fetches := 0

	for i := 0; i < 3; i++ {
		resp, err := cache.BusCount(BusInput, func() (BusCountResponse, error) {
			fetches++
			return BusCountResponse{Count: 2}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(2), resp.Count)
	}

	assert.Equal(t, 3, fetches, "outside the processing window every query is a real round trip")
}

func TestBusInfoCache_CachesInsideProcessingWindow(t *testing.T) {
	cache := NewBusInfoCache()
	cache.SetProcessing(true)

	countFetches := 0
	for i := 0; i < 5; i++ {
		resp, err := cache.BusCount(BusOutput, func() (BusCountResponse, error) {
			countFetches++
			return BusCountResponse{Count: 1}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), resp.Count)
	}
	assert.Equal(t, 1, countFetches)

	infoFetches := 0
	for i := 0; i < 5; i++ {
		info, err := cache.BusInfo(BusOutput, 0, func() (BusInfo, error) {
			infoFetches++
			return BusInfo{Name: "Main Out", ChannelCount: 2, IsDefault: true}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Main Out", info.Name)
	}
	assert.Equal(t, 1, infoFetches)
}

func TestBusInfoCache_DistinctArgumentsAreDistinctEntries(t *testing.T) {
	cache := NewBusInfoCache()
	cache.SetProcessing(true)

	fetches := 0
	fetch := func(count int32) func() (BusCountResponse, error) {
		return func() (BusCountResponse, error) {
			fetches++
			return BusCountResponse{Count: count}, nil
		}
	}

	in, err := cache.BusCount(BusInput, fetch(2))
	require.NoError(t, err)
	out, err := cache.BusCount(BusOutput, fetch(1))
	require.NoError(t, err)

	assert.Equal(t, int32(2), in.Count)
	assert.Equal(t, int32(1), out.Count)
	assert.Equal(t, 2, fetches, "input and output counts are separate cache entries")
}

func TestBusInfoCache_LeavingWindowInvalidates(t *testing.T) {
	cache := NewBusInfoCache()
	cache.SetProcessing(true)

	fetches := 0
	fetch := func() (BusCountResponse, error) {
		fetches++
		return BusCountResponse{Count: 2}, nil
	}

	_, err := cache.BusCount(BusInput, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, fetches)

	// Stop processing: the stable window is over and the layout may change.
	cache.SetProcessing(false)

	cache.SetProcessing(true)
	_, err = cache.BusCount(BusInput, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches,
		"the first query after a processing-state transition must round-trip")
}

func TestParameterInfoCache_AlwaysActive(t *testing.T) {
	cache := NewParameterInfoCache()

	countFetches := 0
	for i := 0; i < 4; i++ {
		resp, err := cache.ParameterCount(func() (ParameterCountResponse, error) {
			countFetches++
			return ParameterCountResponse{Count: 3}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), resp.Count)
	}
	assert.Equal(t, 1, countFetches)

	infoFetches := 0
	for i := 0; i < 4; i++ {
		info, err := cache.ParameterInfo(1, func() (ParameterInfo, error) {
			infoFetches++
			return ParameterInfo{ID: 100, Title: "Cutoff", Units: "Hz"}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint32(100), info.ID)
	}
	assert.Equal(t, 1, infoFetches)
}

func TestParameterInfoCache_InvalidatedByRestart(t *testing.T) {
	cache := NewParameterInfoCache()

	fetches := 0
	fetch := func() (ParameterInfo, error) {
		fetches++
		return ParameterInfo{ID: uint32(fetches), Title: "Gain"}, nil
	}

	first, err := cache.ParameterInfo(0, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.ID)

	// A restart notification means the plugin rescanned its parameters.
	cache.Invalidate()

	second, err := cache.ParameterInfo(0, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.ID, "post-restart query must see fresh metadata")
}
