/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"sort"

	"github.com/orcaman/concurrent-map"
)

// Track describes an active media track.
type Track struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// TrackRegistry holds the active local tracks by track id and the active
// remote tracks by media line id.
type TrackRegistry struct {
	local  cmap.ConcurrentMap
	remote cmap.ConcurrentMap
}

// NewTrackRegistry creates an empty TrackRegistry.
func NewTrackRegistry() *TrackRegistry {
	return &TrackRegistry{
		local:  cmap.New(),
		remote: cmap.New(),
	}
}

// SetLocal adds or removes the local track with the provided id. Adding an
// existing id replaces it.
func (r *TrackRegistry) SetLocal(kind, id string, added bool) {
	set(r.local, kind, id, added)
}

// SetRemote adds or removes the remote track of the provided media line id.
// Adding an existing mid replaces it.
func (r *TrackRegistry) SetRemote(kind, mid string, added bool) {
	set(r.remote, kind, mid, added)
}

// Local returns the active local tracks sorted by id.
func (r *TrackRegistry) Local() []Track {
	return list(r.local)
}

// Remote returns the active remote tracks sorted by media line id.
func (r *TrackRegistry) Remote() []Track {
	return list(r.remote)
}

// ClearRemote removes all remote tracks.
func (r *TrackRegistry) ClearRemote() {
	removeAll(r.remote)
}

// Clear removes all tracks.
func (r *TrackRegistry) Clear() {
	removeAll(r.local)
	removeAll(r.remote)
}

func set(m cmap.ConcurrentMap, kind, id string, added bool) {
	if added {
		m.Set(id, &Track{
			Kind: kind,
			ID:   id,
		})
	} else {
		m.Remove(id)
	}
}

func removeAll(m cmap.ConcurrentMap) {
	for _, id := range m.Keys() {
		m.Remove(id)
	}
}

func list(m cmap.ConcurrentMap) []Track {
	tracks := make([]Track, 0, m.Count())
	for _, v := range m.Items() {
		tracks = append(tracks, *v.(*Track))
	}
	sort.Slice(tracks, func(i, j int) bool {
		return tracks[i].ID < tracks[j].ID
	})
	return tracks
}
