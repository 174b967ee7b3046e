// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package client

import (
	"time"

	mc "github.com/couchbase/gomemcached"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/pipeline"
	"github.com/couchbase/gokvclient/wire"
)

type RemoveCommand struct {
	Key        []byte
	Cas        uint64
	Collection base.CollectionNamespace
	Durability Durability

	Timeout    time.Duration
	ParentSpan interface{}
}

func (inst *Instance) Remove(cookie interface{}, cmd *RemoveCommand, cb RemoveCallback) error {
	if err := inst.validateKey(cmd.Key); err != nil {
		return err
	}
	if err := inst.validateCollection(cmd.Collection); err != nil {
		return err
	}
	if cmd.Durability.Mode == DurabilityPoll &&
		cmd.Durability.PersistTo == 0 && cmd.Durability.ReplicateTo == 0 {
		return base.ErrorInvalidArgument
	}

	start := time.Now()
	fail := func(err error) {
		if err == base.ErrorScheduleFailure {
			err = base.ErrorTimeout
		}
		cb(&RemoveResponse{Cookie: cookie, Key: cmd.Key}, err)
	}

	return inst.execute(func() error {
		inst.withCollection(cmd.Collection, func(cid uint32) {
			if err := inst.removeSchedule(cookie, cmd, cid, start, cb); err != nil {
				fail(err)
			}
		}, fail)
		return nil
	}, fail)
}

func (inst *Instance) removeSchedule(cookie interface{}, cmd *RemoveCommand, cid uint32, start time.Time, cb RemoveCallback) error {
	cmap := inst.holder.Get()
	if cmap == nil {
		return base.ErrorNoConfiguration
	}

	var pollPersist, pollReplicate int
	if cmd.Durability.Mode == DurabilityPoll {
		var err error
		pollPersist, pollReplicate, err = validatePollDurability(cmap, cmd.Durability)
		if err != nil {
			return err
		}
	}

	var frameExtras []byte
	if cmd.Durability.Mode == DurabilitySync && cmd.Durability.Level != base.DurabilityLevelNone {
		if !cmap.HasCapability(base.CapabilitySyncReplication) {
			return base.ErrorFeatureUnavailable
		}
		timeout := cmd.Timeout
		if timeout == 0 {
			timeout = inst.settings.DurabilityTimeout
		}
		frameExtras = wire.SyncDurabilityFrameExtras(cmd.Durability.Level, timeout)
	}

	req := &mc.MCRequest{
		Opcode: mc.DELETE,
		Cas:    cmd.Cas,
		Key:    wire.CollectionKey(cid, cmd.Key, inst.settings.UseCollections),
	}

	hadCas := cmd.Cas != 0
	durDeadline := start.Add(inst.durabilityBudget(cmd.Timeout, cmd.Durability.Mode))
	deliver := func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
		out := &RemoveResponse{Cookie: pkt.Data.Cookie, Key: cmd.Key}
		if err != nil {
			cb(out, err)
			return
		}
		if serr := translateStatus(resp.Status, mc.DELETE, hadCas); serr != nil {
			cb(out, serr)
			return
		}
		out.Cas = resp.Cas
		if cmap.HasCapability(base.CapabilityMutationTokens) {
			out.Token = decodeMutationToken(resp, pkt.Req.VBucket)
		}

		if cmd.Durability.Mode == DurabilityPoll {
			inst.startDurabilityPoll(&durabilityJob{
				key:         cmd.Key,
				cid:         cid,
				cas:         out.Cas,
				token:       out.Token,
				persistTo:   pollPersist,
				replicateTo: pollReplicate,
				checkDelete: true,
				start:       pkt.Data.Start,
				deadline:    durDeadline,
				done: func(derr error) {
					cb(out, derr)
				},
			})
			return
		}
		cb(out, nil)
	}

	data := pipeline.NewReqData(cookie, start, inst.deadlineFor(start, cmd.Timeout),
		inst.defaultProcessor(deliver),
		func(pkt *pipeline.Packet, err error) {
			cb(&RemoveResponse{Cookie: cookie, Key: cmd.Key}, err)
		})
	data.Span = cmd.ParentSpan

	return inst.scheduleKeyed(cmd.Key, &pipeline.Packet{Req: req, Data: data, FrameExtras: frameExtras})
}
