// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package client is the public command surface of the key/value client.
// Commands are validated synchronously, routed through the command queue
// onto per-server pipelines, and complete asynchronously through their
// callback.
package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/log"
	"github.com/couchbase/gokvclient/pipeline"
)

// Instance owns one client's cluster map, command queue, collection cache
// and settings. All commands of an instance flow through its queue.
type Instance struct {
	id        string
	settings  *base.Settings
	holder    *base.ClusterMapHolder
	queue     *pipeline.CommandQueue
	collCache *CollectionCache

	lock sync.Mutex
	// commands submitted before the first cluster map; executed when one
	// arrives
	deferred []func(err error)
	// packets parked after NOT_MY_VBUCKET when VbNoGuess waits for a
	// refreshed map
	parked []*pipeline.Packet
	closed bool

	// invoked when a response indicates the cluster map is stale; the
	// configuration subsystem hooks in here
	refreshRequested func()

	logger_ctx *log.LoggerContext
	logger     *log.CommonLogger
}

func NewInstance(settings *base.Settings, factory base.ConnFactory, logger_ctx *log.LoggerContext) *Instance {
	if settings == nil {
		settings = base.DefaultSettings()
	}
	holder := base.NewClusterMapHolder()
	inst := &Instance{
		id:         uuid.New().String(),
		settings:   settings,
		holder:     holder,
		queue:      pipeline.NewCommandQueue(holder, factory, logger_ctx),
		logger_ctx: logger_ctx,
	}
	inst.logger = log.NewLogger("Instance", logger_ctx).ForInstance(inst.id[:8])
	inst.collCache = NewCollectionCache(inst, logger_ctx)
	return inst
}

func (inst *Instance) Id() string {
	return inst.id
}

func (inst *Instance) Settings() *base.Settings {
	return inst.settings
}

func (inst *Instance) ClusterMap() *base.ClusterMap {
	return inst.holder.Get()
}

func (inst *Instance) CommandQueue() *pipeline.CommandQueue {
	return inst.queue
}

// SetRefreshRequestedHandler installs the hook fired when a response
// reveals the current cluster map is stale.
func (inst *Instance) SetRefreshRequestedHandler(handler func()) {
	inst.lock.Lock()
	inst.refreshRequested = handler
	inst.lock.Unlock()
}

// ApplyClusterMap publishes a new topology, then releases work that was
// waiting on it: commands deferred before the first map, and packets
// parked for a refreshed map after NOT_MY_VBUCKET.
func (inst *Instance) ApplyClusterMap(newMap *base.ClusterMap) {
	inst.queue.ApplyClusterMap(newMap)

	inst.lock.Lock()
	deferred := inst.deferred
	inst.deferred = nil
	parked := inst.parked
	inst.parked = nil
	inst.lock.Unlock()

	for _, op := range deferred {
		op(nil)
	}
	for _, pkt := range parked {
		inst.queue.Requeue(pkt)
	}
}

// Close shuts the instance down. Deferred commands and packets parked for
// a refreshed map fail with REQUEST_CANCELED; outstanding packets fail
// through their pipelines.
func (inst *Instance) Close() {
	inst.lock.Lock()
	if inst.closed {
		inst.lock.Unlock()
		return
	}
	inst.closed = true
	deferred := inst.deferred
	inst.deferred = nil
	parked := inst.parked
	inst.parked = nil
	inst.lock.Unlock()

	for _, op := range deferred {
		op(base.ErrorRequestCanceled)
	}
	for _, pkt := range parked {
		pkt.Data.OnResponse(pkt, nil, base.ErrorRequestCanceled)
	}
	inst.queue.Close()
	inst.logger.Infof("instance closed")
}

// deferUntilConfigured parks op until the first cluster map arrives.
// Mirrors deferred operation queues in configuration-less startup.
func (inst *Instance) deferUntilConfigured(op func(err error)) {
	inst.lock.Lock()
	if inst.closed {
		inst.lock.Unlock()
		op(base.ErrorRequestCanceled)
		return
	}
	inst.deferred = append(inst.deferred, op)
	inst.lock.Unlock()
}

// parkForRefresh holds a packet until the next cluster map publication.
func (inst *Instance) parkForRefresh(pkt *pipeline.Packet) {
	inst.lock.Lock()
	if inst.closed {
		inst.lock.Unlock()
		pkt.Data.OnResponse(pkt, nil, base.ErrorRequestCanceled)
		return
	}
	inst.parked = append(inst.parked, pkt)
	inst.lock.Unlock()
}

// requestConfigRefresh asks the configuration subsystem for a newer map.
func (inst *Instance) requestConfigRefresh() {
	inst.lock.Lock()
	handler := inst.refreshRequested
	inst.lock.Unlock()
	if handler != nil {
		handler()
	}
}

func (inst *Instance) validateKey(key []byte) error {
	if len(key) == 0 {
		return base.ErrorEmptyKey
	}
	if len(key) > base.MaxKeyLength {
		return base.ErrorKeyTooLong
	}
	return nil
}

// validateCollection rejects non-default collections when the instance
// is configured without collection support.
func (inst *Instance) validateCollection(ns base.CollectionNamespace) error {
	if !inst.settings.UseCollections && !ns.IsDefault() {
		return base.ErrorFeatureUnavailable
	}
	return nil
}

func (inst *Instance) deadlineFor(start time.Time, cmdTimeout time.Duration) time.Time {
	return inst.settings.CommandDeadline(start, cmdTimeout)
}
