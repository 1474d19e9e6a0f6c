// queries.go: idempotent query calls and their per-instance caches
//
// Some hosts re-query bus layouts during every processing cycle and parameter
// metadata several times a second, even though neither can change inside a
// stable window. Each query here is one round trip; for a plugin with dozens
// of busses or thousands of parameters the repeats add up, so the proxy keeps
// per-instance caches in front of them.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import "sync/atomic"

// BusDirection selects the input or output side of a bus query.
type BusDirection string

const (
	BusInput  BusDirection = "input"
	BusOutput BusDirection = "output"
)

// BusCountRequest asks how many audio busses a direction has.
type BusCountRequest struct {
	Direction BusDirection `json:"direction"`
}

// BusCountResponse carries the bus count.
type BusCountResponse struct {
	Count int32 `json:"count"`
}

// BusInfoRequest asks for the metadata of one bus.
type BusInfoRequest struct {
	Direction BusDirection `json:"direction"`
	Index     int32        `json:"index"`
}

// BusInfo is the metadata of one audio bus.
type BusInfo struct {
	Name         string `json:"name"`
	ChannelCount uint32 `json:"channel_count"`
	IsDefault    bool   `json:"is_default"`
}

// ParameterCountResponse carries the parameter count.
type ParameterCountResponse struct {
	Count int32 `json:"count"`
}

// ParameterInfoRequest asks for the metadata of one parameter.
type ParameterInfoRequest struct {
	Index int32 `json:"index"`
}

// ParameterInfo is the metadata of one plugin parameter.
type ParameterInfo struct {
	ID           uint32  `json:"id"`
	Title        string  `json:"title"`
	Units        string  `json:"units"`
	DefaultValue float64 `json:"default_value"`
	StepCount    int32   `json:"step_count"`
}

// busCountKey and busInfoKey key the bus caches by the full argument tuple.
type busCountKey struct {
	direction BusDirection
}

type busInfoKey struct {
	direction BusDirection
	index     int32
}

// BusInfoCache memoizes bus count and bus info queries while processing is
// active. Bus layout cannot change during processing, so the window between
// start-processing and stop-processing is a stable caching window; outside it
// every query goes through.
type BusInfoCache struct {
	processing atomic.Bool
	counts     *ResultCache[busCountKey, BusCountResponse]
	infos      *ResultCache[busInfoKey, BusInfo]
}

// NewBusInfoCache creates an inactive cache.
func NewBusInfoCache() *BusInfoCache {
	return &BusInfoCache{
		counts: NewResultCache[busCountKey, BusCountResponse](),
		infos:  NewResultCache[busInfoKey, BusInfo](),
	}
}

// SetProcessing toggles the stable window. Leaving the window invalidates
// everything: the next query after a processing-state transition always
// performs a fresh round trip.
func (c *BusInfoCache) SetProcessing(active bool) {
	wasActive := c.processing.Swap(active)
	if wasActive && !active {
		c.Invalidate()
	}
}

// BusCount consults the cache when inside the stable window and falls
// through to fetch otherwise.
func (c *BusInfoCache) BusCount(direction BusDirection, fetch func() (BusCountResponse, error)) (BusCountResponse, error) {
	if !c.processing.Load() {
		return fetch()
	}
	return c.counts.GetOrFetch(busCountKey{direction: direction}, fetch)
}

// BusInfo consults the cache when inside the stable window and falls through
// to fetch otherwise.
func (c *BusInfoCache) BusInfo(direction BusDirection, index int32, fetch func() (BusInfo, error)) (BusInfo, error) {
	if !c.processing.Load() {
		return fetch()
	}
	return c.infos.GetOrFetch(busInfoKey{direction: direction, index: index}, fetch)
}

// Invalidate drops all cached bus answers.
func (c *BusInfoCache) Invalidate() {
	c.counts.Invalidate()
	c.infos.Invalidate()
}

// parameterCountKey is the singleton key for the count cache.
type parameterCountKey struct{}

// ParameterInfoCache memoizes parameter count and metadata queries. Unlike
// bus info this cache is always active; it is invalidated by restart/rescan
// notifications from the remote side rather than by processing transitions,
// because parameter metadata only changes when the plugin announces it.
type ParameterInfoCache struct {
	count *ResultCache[parameterCountKey, ParameterCountResponse]
	infos *ResultCache[int32, ParameterInfo]
}

// NewParameterInfoCache creates an empty cache.
func NewParameterInfoCache() *ParameterInfoCache {
	return &ParameterInfoCache{
		count: NewResultCache[parameterCountKey, ParameterCountResponse](),
		infos: NewResultCache[int32, ParameterInfo](),
	}
}

// ParameterCount consults the cache, falling through to fetch on a miss.
func (c *ParameterInfoCache) ParameterCount(fetch func() (ParameterCountResponse, error)) (ParameterCountResponse, error) {
	return c.count.GetOrFetch(parameterCountKey{}, fetch)
}

// ParameterInfo consults the cache, falling through to fetch on a miss.
func (c *ParameterInfoCache) ParameterInfo(index int32, fetch func() (ParameterInfo, error)) (ParameterInfo, error) {
	return c.infos.GetOrFetch(index, fetch)
}

// Invalidate drops all cached parameter answers.
func (c *ParameterInfoCache) Invalidate() {
	c.count.Invalidate()
	c.infos.Invalidate()
}
