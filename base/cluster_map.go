// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"sync/atomic"
)

// ServerEntry is one data node in the cluster map.
type ServerEntry struct {
	Endpoint     string
	Capabilities Capability
}

// ClusterMap is one published version of the vbucket topology. It is
// immutable once published; a topology change publishes a whole new map.
type ClusterMap struct {
	Version     uint64
	BucketUUID  string
	NumReplicas int
	Servers     []ServerEntry

	// VBucketMap[vb][0] is the master server index, the rest are replica
	// indices. -1 marks a vbucket position with no server assigned.
	VBucketMap [][]int
}

func (m *ClusterMap) NumVBuckets() int {
	return len(m.VBucketMap)
}

// MapKey hashes a key onto its vbucket and returns the vbucket id along
// with the master server index, -1 if the vbucket has no master.
func (m *ClusterMap) MapKey(key []byte) (uint16, int) {
	vb := VBucketForKey(key, m.NumVBuckets())
	return vb, m.Master(vb)
}

func (m *ClusterMap) Master(vb uint16) int {
	entry := m.VBucketMap[vb]
	if len(entry) == 0 {
		return -1
	}
	return entry[0]
}

// Replica returns the server index holding replica n of the vbucket, or
// -1 when that replica is offline or not configured.
func (m *ClusterMap) Replica(vb uint16, n int) int {
	entry := m.VBucketMap[vb]
	if n < 0 || n+1 >= len(entry) {
		return -1
	}
	idx := entry[n+1]
	if idx < 0 || idx >= len(m.Servers) {
		return -1
	}
	return idx
}

// HasCapability is true when every server in the map advertises the flag.
// Command construction keys off the weakest node so that a mixed cluster
// never receives a frame it cannot parse.
func (m *ClusterMap) HasCapability(flag Capability) bool {
	if len(m.Servers) == 0 {
		return false
	}
	for _, server := range m.Servers {
		if !server.Capabilities.Has(flag) {
			return false
		}
	}
	return true
}

// ClusterMapHolder publishes cluster maps atomically. Readers always see
// either the old complete map or the new complete map.
type ClusterMapHolder struct {
	current atomic.Pointer[ClusterMap]
}

func NewClusterMapHolder() *ClusterMapHolder {
	return &ClusterMapHolder{}
}

// Get returns the current map, nil before the first publication.
func (h *ClusterMapHolder) Get() *ClusterMap {
	return h.current.Load()
}

// Replace publishes the new map and returns the map it displaced.
func (h *ClusterMapHolder) Replace(newMap *ClusterMap) *ClusterMap {
	return h.current.Swap(newMap)
}
