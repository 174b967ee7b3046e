// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package client

import (
	"encoding/binary"
	"sync"
	"time"

	mc "github.com/couchbase/gomemcached"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/pipeline"
	"github.com/couchbase/gokvclient/wire"
)

// ObserveCommand adds one key to an observe context. MasterOnly restricts
// the probe to the vbucket master.
type ObserveCommand struct {
	Key        []byte
	Collection base.CollectionNamespace
	MasterOnly bool

	Timeout time.Duration
}

// ObserveContext batches observe commands for several keys and schedules
// them as one atomic block. One packet goes to every (vbucket, server)
// pair the keys require; each server answer fans back out into one
// callback per key it covers, and a synthetic Final callback ends the
// context.
type ObserveContext struct {
	inst *Instance

	lock       sync.Mutex
	entries    []observeEntry
	maxTimeout time.Duration
	done       bool
}

type observeEntry struct {
	key        []byte
	wireKey    []byte
	vb         uint16
	masterOnly bool
}

// observeTarget collects the keys of one vbucket probed on one server.
type observeTarget struct {
	serverIdx int
	isMaster  map[uint16]bool
	body      []byte
}

func (inst *Instance) NewObserveContext() *ObserveContext {
	return &ObserveContext{inst: inst}
}

// Add stages one key. Collection-qualified keys must resolve from the
// cache; observe does not suspend on collection lookups, so an unknown
// collection is a synchronous error.
func (ctx *ObserveContext) Add(cmd *ObserveCommand) error {
	if err := ctx.inst.validateKey(cmd.Key); err != nil {
		return err
	}
	if err := ctx.inst.validateCollection(cmd.Collection); err != nil {
		return err
	}

	cmap := ctx.inst.holder.Get()
	if cmap == nil {
		return base.ErrorNoConfiguration
	}

	cid := base.DefaultCollectionId
	if ctx.inst.settings.UseCollections && !cmd.Collection.IsDefault() {
		var ok bool
		cid, ok = ctx.inst.collCache.Lookup(cmd.Collection)
		if !ok {
			return base.ErrorNoMatchingServer
		}
	}

	vb := base.VBucketForKey(cmd.Key, cmap.NumVBuckets())

	ctx.lock.Lock()
	defer ctx.lock.Unlock()
	if ctx.done {
		return base.ErrorInvalidArgument
	}
	ctx.entries = append(ctx.entries, observeEntry{
		key:        cmd.Key,
		wireKey:    wire.CollectionKey(cid, cmd.Key, ctx.inst.settings.UseCollections),
		vb:         vb,
		masterOnly: cmd.MasterOnly,
	})
	if cmd.Timeout > ctx.maxTimeout {
		ctx.maxTimeout = cmd.Timeout
	}
	return nil
}

// Fail discards everything staged in the context.
func (ctx *ObserveContext) Fail() {
	ctx.lock.Lock()
	ctx.entries = nil
	ctx.done = true
	ctx.lock.Unlock()
}

// Done schedules the staged commands. Callbacks arrive per key per
// server, in no guaranteed order across keys, followed by one callback
// with Final set.
func (ctx *ObserveContext) Done(cookie interface{}, cb ObserveCallback) error {
	ctx.lock.Lock()
	if ctx.done || len(ctx.entries) == 0 {
		ctx.lock.Unlock()
		return base.ErrorInvalidArgument
	}
	ctx.done = true
	entries := ctx.entries
	maxTimeout := ctx.maxTimeout
	ctx.lock.Unlock()

	inst := ctx.inst
	cmap := inst.holder.Get()
	if cmap == nil {
		return base.ErrorNoConfiguration
	}

	// group the keys by (vbucket, server) pair
	type targetKey struct {
		serverIdx int
		vb        uint16
	}
	targets := make(map[targetKey]*observeTarget)
	addTo := func(serverIdx int, ent observeEntry, master bool) {
		tk := targetKey{serverIdx: serverIdx, vb: ent.vb}
		tgt, ok := targets[tk]
		if !ok {
			tgt = &observeTarget{serverIdx: serverIdx, isMaster: make(map[uint16]bool)}
			targets[tk] = tgt
		}
		tgt.body = binary.BigEndian.AppendUint16(tgt.body, ent.vb)
		tgt.body = binary.BigEndian.AppendUint16(tgt.body, uint16(len(ent.wireKey)))
		tgt.body = append(tgt.body, ent.wireKey...)
		if master {
			tgt.isMaster[ent.vb] = true
		}
	}

	for _, ent := range entries {
		master := cmap.Master(ent.vb)
		if master < 0 {
			return base.ErrorNoMatchingServer
		}
		addTo(master, ent, true)
		if ent.masterOnly {
			continue
		}
		for i := 0; i < cmap.NumReplicas; i++ {
			if idx := cmap.Replica(ent.vb, i); idx >= 0 {
				addTo(idx, ent, false)
			}
		}
	}

	start := time.Now()
	deadline := inst.deadlineFor(start, maxTimeout)

	octx := &observeMultiCookie{
		cookie:    cookie,
		cb:        cb,
		remaining: len(targets),
	}

	q := inst.queue
	q.SchedEnter()
	for _, tgt := range targets {
		pl, err := q.PipelineAt(tgt.serverIdx)
		if err != nil {
			q.SchedFail()
			return err
		}
		pkt := octx.buildPacket(tgt, start, deadline, inst.settings.UseCollections)
		if err := q.Add(pl, pkt); err != nil {
			q.SchedFail()
			return err
		}
	}
	q.SchedLeave()
	return nil
}

// observeMultiCookie is the extended cookie shared by every packet the
// context produced.
type observeMultiCookie struct {
	cookie interface{}
	cb     ObserveCallback

	lock      sync.Mutex
	remaining int
}

func (oc *observeMultiCookie) buildPacket(tgt *observeTarget, start, deadline time.Time, collections bool) *pipeline.Packet {
	req := &mc.MCRequest{
		Opcode: mc.OBSERVE,
		Body:   tgt.body,
	}
	data := pipeline.NewReqData(oc.cookie, start, deadline,
		func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
			oc.handleResponse(tgt, resp, err, collections)
		},
		func(pkt *pipeline.Packet, err error) {
			oc.handleResponse(tgt, nil, err, collections)
		})
	data.Retryable = false
	return &pipeline.Packet{Req: req, Data: data}
}

func (oc *observeMultiCookie) handleResponse(tgt *observeTarget, resp *mc.MCResponse, err error, collections bool) {
	if err == nil && resp.Status == mc.SUCCESS {
		oc.emitEntries(tgt, resp.Body, collections)
	} else if err == nil {
		oc.cb(&ObserveResponse{Cookie: oc.cookie}, translateStatus(resp.Status, mc.OBSERVE, false))
	} else {
		oc.cb(&ObserveResponse{Cookie: oc.cookie}, err)
	}

	oc.lock.Lock()
	oc.remaining--
	last := oc.remaining == 0
	oc.lock.Unlock()

	if last {
		oc.cb(&ObserveResponse{Cookie: oc.cookie, Final: true}, nil)
	}
}

// emitEntries walks the packed per-key entries of one server answer.
func (oc *observeMultiCookie) emitEntries(tgt *observeTarget, body []byte, collections bool) {
	for len(body) >= 4 {
		vb := binary.BigEndian.Uint16(body[0:2])
		keyLen := int(binary.BigEndian.Uint16(body[2:4]))
		if len(body) < 4+keyLen+9 {
			return
		}
		wireKey := body[4 : 4+keyLen]
		status := body[4+keyLen]
		cas := binary.BigEndian.Uint64(body[4+keyLen+1 : 4+keyLen+9])
		body = body[4+keyLen+9:]

		oc.cb(&ObserveResponse{
			Cookie:   oc.cookie,
			Key:      userKey(wireKey, collections),
			Cas:      cas,
			Status:   status,
			IsMaster: tgt.isMaster[vb],
		}, nil)
	}
}
