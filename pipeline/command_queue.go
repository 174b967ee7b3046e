// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package pipeline

import (
	"sync"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/log"
)

type stagedPacket struct {
	pl  *Pipeline
	pkt *Packet
}

// CommandQueue is the instance-wide scheduler. It routes commands onto
// per-server pipelines through the current cluster map, and makes packets
// scheduled inside an enter/leave block visible to the pipelines
// atomically at leave.
type CommandQueue struct {
	holder  *base.ClusterMapHolder
	factory base.ConnFactory

	lock       sync.Mutex
	pipelines  []*Pipeline
	byEndpoint map[string]*Pipeline
	schedDepth int
	staged     []stagedPacket

	logger_ctx *log.LoggerContext
	logger     *log.CommonLogger
}

func NewCommandQueue(holder *base.ClusterMapHolder, factory base.ConnFactory, logger_ctx *log.LoggerContext) *CommandQueue {
	return &CommandQueue{
		holder:     holder,
		factory:    factory,
		byEndpoint: make(map[string]*Pipeline),
		logger_ctx: logger_ctx,
		logger:     log.NewLogger("CmdQueue", logger_ctx),
	}
}

// ApplyClusterMap swaps in the new topology. Pipelines are keyed by
// endpoint so servers surviving the change keep their connection and
// their outstanding packets; pipelines for removed servers are drained,
// which reroutes their retryable packets through the new map.
func (q *CommandQueue) ApplyClusterMap(newMap *base.ClusterMap) {
	q.lock.Lock()
	oldByEndpoint := q.byEndpoint
	q.byEndpoint = make(map[string]*Pipeline, len(newMap.Servers))
	q.pipelines = make([]*Pipeline, len(newMap.Servers))

	for i, server := range newMap.Servers {
		pl, ok := oldByEndpoint[server.Endpoint]
		if ok {
			pl.SetIndex(i)
			delete(oldByEndpoint, server.Endpoint)
		} else {
			pl = NewPipeline(i, server.Endpoint, q.factory, q.Requeue, q.logger_ctx)
		}
		q.pipelines[i] = pl
		q.byEndpoint[server.Endpoint] = pl
	}
	q.lock.Unlock()

	q.holder.Replace(newMap)

	// packets routed against the old map and already on a surviving
	// pipeline stay where they are; only orphaned pipelines reroute
	for _, pl := range oldByEndpoint {
		q.logger.Infof("draining pipeline for departed server %v", pl.Endpoint())
		go pl.Drain()
	}
}

// SchedEnter opens a scheduling block. Blocks nest; packets become
// visible when the outermost block leaves.
func (q *CommandQueue) SchedEnter() {
	q.lock.Lock()
	q.schedDepth++
	q.lock.Unlock()
}

// SchedLeave closes the block and flushes the staged packets in order.
func (q *CommandQueue) SchedLeave() {
	q.lock.Lock()
	if q.schedDepth == 0 {
		q.lock.Unlock()
		panic(base.ErrorMissingSchedEnter)
	}
	q.schedDepth--
	if q.schedDepth > 0 {
		q.lock.Unlock()
		return
	}
	staged := q.staged
	q.staged = nil
	q.lock.Unlock()

	for _, entry := range staged {
		if err := entry.pl.Enqueue(entry.pkt); err != nil {
			entry.pkt.Data.OnSchedFail(entry.pkt, err)
		}
	}
}

// SchedFail closes the block and discards everything staged in it.
func (q *CommandQueue) SchedFail() {
	q.lock.Lock()
	if q.schedDepth == 0 {
		q.lock.Unlock()
		panic(base.ErrorMissingSchedEnter)
	}
	q.schedDepth--
	if q.schedDepth == 0 {
		q.staged = nil
	}
	q.lock.Unlock()
}

// RouteKey maps a key through the current cluster map.
func (q *CommandQueue) RouteKey(key []byte) (uint16, *Pipeline, error) {
	cmap := q.holder.Get()
	if cmap == nil {
		return 0, nil, base.ErrorNoConfiguration
	}
	vb, master := cmap.MapKey(key)
	pl, err := q.PipelineAt(master)
	if err != nil {
		return vb, nil, err
	}
	return vb, pl, nil
}

// PipelineAt returns the pipeline for a server index from the current map.
func (q *CommandQueue) PipelineAt(index int) (*Pipeline, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if index < 0 || index >= len(q.pipelines) {
		return nil, base.ErrorNoMatchingServer
	}
	return q.pipelines[index], nil
}

// NumPipelines is the width of the current topology.
func (q *CommandQueue) NumPipelines() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pipelines)
}

// Add stages a packet on the given pipeline. Scheduling outside an
// enter/leave block is a programming error.
func (q *CommandQueue) Add(pl *Pipeline, pkt *Packet) error {
	if pl == nil {
		return base.ErrorNoMatchingServer
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.schedDepth == 0 {
		panic(base.ErrorMissingSchedEnter)
	}
	q.staged = append(q.staged, stagedPacket{pl: pl, pkt: pkt})
	return nil
}

// AddForKey routes by the raw document key and stages in one step. The
// packet's wire key may carry a collection id prefix; the hash covers
// only the user key, so the caller passes it explicitly.
func (q *CommandQueue) AddForKey(key []byte, pkt *Packet) (uint16, error) {
	vb, pl, err := q.RouteKey(key)
	if err != nil {
		return vb, err
	}
	pkt.Req.VBucket = vb
	return vb, q.Add(pl, pkt)
}

// Requeue reroutes a packet through the current map, allocating a fresh
// opaque on whatever pipeline the key resolves to now. Drained pipelines
// and the NOT_MY_VBUCKET retry path both land here.
func (q *CommandQueue) Requeue(pkt *Packet) {
	clone := pkt.Clone()
	cmap := q.holder.Get()
	if cmap == nil {
		clone.Data.OnResponse(clone, nil, base.ErrorNoConfiguration)
		return
	}
	vb := clone.Req.VBucket
	if int(vb) >= cmap.NumVBuckets() {
		clone.Data.OnResponse(clone, nil, base.ErrorNoMatchingServer)
		return
	}
	master := cmap.Master(vb)
	pl, err := q.PipelineAt(master)
	if err != nil {
		clone.Data.OnResponse(clone, nil, base.ErrorNoMatchingServer)
		return
	}
	if err := pl.Enqueue(clone); err != nil {
		clone.Data.OnResponse(clone, nil, base.ErrorNoMatchingServer)
	}
}

// Close drains every pipeline without rerouting.
func (q *CommandQueue) Close() {
	q.lock.Lock()
	pipelines := q.pipelines
	q.pipelines = nil
	q.byEndpoint = make(map[string]*Pipeline)
	q.lock.Unlock()

	for _, pl := range pipelines {
		pl.Close()
	}
}
