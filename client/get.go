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
	"sync/atomic"
	"time"

	mc "github.com/couchbase/gomemcached"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/pipeline"
	"github.com/couchbase/gokvclient/wire"
)

// GetCommand reads a document. Setting Touch turns it into get-and-touch
// with the given expiry; setting Lock turns it into get-and-lock with the
// given lock time, 0 requesting the server default. Touch and Lock are
// mutually exclusive.
type GetCommand struct {
	Key        []byte
	Collection base.CollectionNamespace

	Touch  bool
	Expiry uint32

	Lock     bool
	LockTime uint32

	Timeout    time.Duration
	ParentSpan interface{}
}

func (inst *Instance) Get(cookie interface{}, cmd *GetCommand, cb GetCallback) error {
	if err := inst.validateKey(cmd.Key); err != nil {
		return err
	}
	if err := inst.validateCollection(cmd.Collection); err != nil {
		return err
	}
	if cmd.Touch && cmd.Lock {
		return base.ErrorOptionsConflict
	}

	start := time.Now()
	fail := func(err error) {
		if err == base.ErrorScheduleFailure {
			err = base.ErrorTimeout
		}
		cb(&GetResponse{Cookie: cookie, Key: cmd.Key}, err)
	}

	return inst.execute(func() error {
		inst.withCollection(cmd.Collection, func(cid uint32) {
			if err := inst.getSchedule(cookie, cmd, cid, start, cb); err != nil {
				fail(err)
			}
		}, fail)
		return nil
	}, fail)
}

func (inst *Instance) getSchedule(cookie interface{}, cmd *GetCommand, cid uint32, start time.Time, cb GetCallback) error {
	opcode := mc.GET
	var extras []byte
	if cmd.Lock {
		opcode = base.GET_LOCKED
		extras = make([]byte, 4)
		binary.BigEndian.PutUint32(extras, cmd.LockTime)
	} else if cmd.Touch {
		opcode = mc.GAT
		extras = make([]byte, 4)
		binary.BigEndian.PutUint32(extras, cmd.Expiry)
	}

	req := &mc.MCRequest{
		Opcode: opcode,
		Key:    wire.CollectionKey(cid, cmd.Key, inst.settings.UseCollections),
		Extras: extras,
	}

	deliver := func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
		out := &GetResponse{Cookie: pkt.Data.Cookie, Key: cmd.Key, Final: true}
		if err != nil {
			cb(out, err)
			return
		}
		if serr := translateStatus(resp.Status, opcode, false); serr != nil {
			cb(out, serr)
			return
		}
		flags, datatype, value, derr := decodeGetValue(resp, inst.settings.CompressionMode)
		if derr != nil {
			cb(out, derr)
			return
		}
		out.Cas = resp.Cas
		out.Flags = flags
		out.Datatype = datatype
		out.Value = value
		cb(out, nil)
	}

	data := pipeline.NewReqData(cookie, start, inst.deadlineFor(start, cmd.Timeout),
		inst.defaultProcessor(deliver),
		func(pkt *pipeline.Packet, err error) {
			cb(&GetResponse{Cookie: cookie, Key: cmd.Key, Final: true}, err)
		})
	data.Span = cmd.ParentSpan

	return inst.scheduleKeyed(cmd.Key, &pipeline.Packet{Req: req, Data: data})
}

// ReplicaStrategy picks how a replica read fans out.
type ReplicaStrategy int

const (
	// ReplicaSelect reads one specific replica.
	ReplicaSelect ReplicaStrategy = iota
	// ReplicaAll reads every replica and delivers one response each.
	ReplicaAll
	// ReplicaFirst walks the replicas in order until one answers.
	ReplicaFirst
)

type GetReplicaCommand struct {
	Key        []byte
	Collection base.CollectionNamespace
	Strategy   ReplicaStrategy

	// Index selects the replica for ReplicaSelect.
	Index int

	Timeout    time.Duration
	ParentSpan interface{}
}

// rgetCookie is the extended control block shared by every packet of a
// replica fan-out. Its reference count holds the block alive until the
// last in-flight packet resolves.
type rgetCookie struct {
	inst     *Instance
	cb       GetCallback
	cookie   interface{}
	key      []byte
	cid      uint32
	vb       uint16
	strategy ReplicaStrategy

	rCur int
	rMax int

	remaining int32
	done      int32
}

func (rc *rgetCookie) deliver(resp *GetResponse, err error, final bool) {
	if final && !atomic.CompareAndSwapInt32(&rc.done, 0, 1) {
		return
	}
	resp.Final = final
	rc.cb(resp, err)
}

func (inst *Instance) GetReplica(cookie interface{}, cmd *GetReplicaCommand, cb GetCallback) error {
	if err := inst.validateKey(cmd.Key); err != nil {
		return err
	}
	if err := inst.validateCollection(cmd.Collection); err != nil {
		return err
	}
	cmap := inst.holder.Get()
	if cmap == nil {
		return base.ErrorNoConfiguration
	}
	if cmap.NumReplicas == 0 {
		return base.ErrorNoMatchingServer
	}

	vb := base.VBucketForKey(cmd.Key, cmap.NumVBuckets())

	// validate the index range before allocating anything so a doomed
	// fan-out never schedules a partial set
	switch cmd.Strategy {
	case ReplicaSelect:
		if cmd.Index < 0 || cmd.Index >= cmap.NumReplicas {
			return base.ErrorNoMatchingServer
		}
		if cmap.Replica(vb, cmd.Index) < 0 {
			return base.ErrorNoMatchingServer
		}
	case ReplicaAll:
		for i := 0; i < cmap.NumReplicas; i++ {
			if cmap.Replica(vb, i) < 0 {
				return base.ErrorNoMatchingServer
			}
		}
	case ReplicaFirst:
		found := false
		for i := 0; i < cmap.NumReplicas; i++ {
			if cmap.Replica(vb, i) >= 0 {
				found = true
				break
			}
		}
		if !found {
			return base.ErrorNoMatchingServer
		}
	default:
		return base.ErrorInvalidArgument
	}

	start := time.Now()
	fail := func(err error) {
		if err == base.ErrorScheduleFailure {
			err = base.ErrorTimeout
		}
		cb(&GetResponse{Cookie: cookie, Key: cmd.Key, Final: true}, err)
	}

	inst.withCollection(cmd.Collection, func(cid uint32) {
		if err := inst.rgetSchedule(cookie, cmd, cid, vb, start, cb); err != nil {
			fail(err)
		}
	}, fail)
	return nil
}

func (inst *Instance) rgetSchedule(cookie interface{}, cmd *GetReplicaCommand, cid uint32, vb uint16, start time.Time, cb GetCallback) error {
	cmap := inst.holder.Get()
	if cmap == nil {
		return base.ErrorNoConfiguration
	}

	rck := &rgetCookie{
		inst:     inst,
		cb:       cb,
		cookie:   cookie,
		key:      cmd.Key,
		cid:      cid,
		vb:       vb,
		strategy: cmd.Strategy,
		rMax:     cmap.NumReplicas,
	}

	var first, last int
	switch cmd.Strategy {
	case ReplicaSelect:
		first, last = cmd.Index, cmd.Index
	case ReplicaAll:
		first, last = 0, cmap.NumReplicas-1
	case ReplicaFirst:
		for i := 0; i < cmap.NumReplicas; i++ {
			if cmap.Replica(vb, i) >= 0 {
				first, last = i, i
				break
			}
		}
	}
	rck.rCur = first

	deadline := inst.deadlineFor(start, cmd.Timeout)

	inst.queue.SchedEnter()
	for r := first; r <= last; r++ {
		serverIdx := cmap.Replica(vb, r)
		pl, err := inst.queue.PipelineAt(serverIdx)
		if err != nil {
			inst.queue.SchedFail()
			return err
		}
		pkt := rck.buildPacket(start, deadline)
		if err := inst.queue.Add(pl, pkt); err != nil {
			inst.queue.SchedFail()
			return err
		}
		atomic.AddInt32(&rck.remaining, 1)
	}
	inst.queue.SchedLeave()
	return nil
}

func (rc *rgetCookie) buildPacket(start, deadline time.Time) *pipeline.Packet {
	req := &mc.MCRequest{
		Opcode:  mc.GET_REPLICA,
		VBucket: rc.vb,
		Key:     wire.CollectionKey(rc.cid, rc.key, rc.inst.settings.UseCollections),
	}
	data := pipeline.NewReqData(rc.cookie, start, deadline, rc.handleResponse,
		func(pkt *pipeline.Packet, err error) {
			rc.handleResponse(pkt, nil, err)
		})
	// replica packets target a fixed server; rerouting by key would send
	// them to the master
	data.Retryable = false
	return &pipeline.Packet{Req: req, Data: data}
}

func (rc *rgetCookie) handleResponse(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
	remaining := atomic.AddInt32(&rc.remaining, -1)

	out := &GetResponse{Cookie: rc.cookie, Key: rc.key}
	if err == nil {
		if serr := translateStatus(resp.Status, mc.GET_REPLICA, false); serr != nil {
			err = serr
		} else {
			flags, datatype, value, derr := decodeGetValue(resp, rc.inst.settings.CompressionMode)
			if derr != nil {
				err = derr
			} else {
				out.Cas = resp.Cas
				out.Flags = flags
				out.Datatype = datatype
				out.Value = value
			}
		}
	}

	switch rc.strategy {
	case ReplicaSelect:
		rc.deliver(out, err, true)

	case ReplicaAll:
		rc.deliver(out, err, remaining == 0)

	case ReplicaFirst:
		if err == nil {
			rc.deliver(out, nil, true)
			return
		}
		// walk to the next online replica; exhaustion delivers the last
		// error as final
		cmap := rc.inst.holder.Get()
		next := -1
		for rc.rCur++; rc.rCur < rc.rMax; rc.rCur++ {
			if idx := cmap.Replica(rc.vb, rc.rCur); idx >= 0 {
				next = idx
				break
			}
		}
		if next < 0 || pkt.Expired(time.Now()) {
			rc.deliver(out, err, true)
			return
		}
		pl, perr := rc.inst.queue.PipelineAt(next)
		if perr != nil {
			rc.deliver(out, err, true)
			return
		}
		nextPkt := rc.buildPacket(pkt.Data.Start, pkt.Data.Deadline)
		rc.inst.queue.SchedEnter()
		if aerr := rc.inst.queue.Add(pl, nextPkt); aerr != nil {
			rc.inst.queue.SchedFail()
			rc.deliver(out, err, true)
			return
		}
		atomic.AddInt32(&rc.remaining, 1)
		rc.inst.queue.SchedLeave()
	}
}
