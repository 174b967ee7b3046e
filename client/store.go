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
	"time"

	mc "github.com/couchbase/gomemcached"
	"github.com/golang/snappy"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/pipeline"
	"github.com/couchbase/gokvclient/wire"
)

type StoreOperation int

const (
	StoreUpsert StoreOperation = iota
	StoreInsert
	StoreReplace
	StoreAppend
	StorePrepend
)

func (op StoreOperation) opcode() (mc.CommandCode, int) {
	switch op {
	case StoreUpsert:
		return mc.SET, 8
	case StoreInsert:
		return mc.ADD, 8
	case StoreReplace:
		return mc.REPLACE, 8
	case StoreAppend:
		return mc.APPEND, 0
	case StorePrepend:
		return mc.PREPEND, 0
	}
	return mc.SET, 8
}

type DurabilityMode int

const (
	DurabilityNone DurabilityMode = iota
	// DurabilityPoll verifies the write with observe polling after the
	// store acks.
	DurabilityPoll
	// DurabilitySync asks the server to enforce the level before acking.
	DurabilitySync
)

// Durability is the per-command durability requirement. PersistTo and
// ReplicateTo of -1 request "as many as the cluster has" and imply
// cap-max clamping.
type Durability struct {
	Mode DurabilityMode

	PersistTo   int
	ReplicateTo int
	CapMax      bool

	Level base.DurabilityLevel
}

type StoreCommand struct {
	Operation StoreOperation

	Key   []byte
	Value []byte

	Flags  uint32
	Expiry uint32
	Cas    uint64

	// ValueIsJSON marks the value for the JSON datatype bit when the
	// cluster understands it; ValueIsCompressed marks a value the caller
	// already compressed.
	ValueIsJSON       bool
	ValueIsCompressed bool

	Collection base.CollectionNamespace
	Durability Durability

	Timeout    time.Duration
	ParentSpan interface{}
}

func storeValidate(cmd *StoreCommand) error {
	switch cmd.Operation {
	case StoreInsert:
		if cmd.Cas != 0 {
			return base.ErrorOptionsConflict
		}
	case StoreAppend, StorePrepend:
		if cmd.Expiry != 0 || cmd.Flags != 0 {
			return base.ErrorOptionsConflict
		}
	}
	if cmd.Durability.Mode == DurabilityPoll {
		if cmd.Durability.PersistTo == 0 && cmd.Durability.ReplicateTo == 0 {
			return base.ErrorInvalidArgument
		}
	}
	return nil
}

func (inst *Instance) Store(cookie interface{}, cmd *StoreCommand, cb StoreCallback) error {
	if err := inst.validateKey(cmd.Key); err != nil {
		return err
	}
	if err := inst.validateCollection(cmd.Collection); err != nil {
		return err
	}
	if err := storeValidate(cmd); err != nil {
		return err
	}

	start := time.Now()
	fail := func(err error) {
		if err == base.ErrorScheduleFailure {
			err = base.ErrorTimeout
		}
		cb(&StoreResponse{Cookie: cookie, Key: cmd.Key}, err)
	}

	return inst.execute(func() error {
		inst.withCollection(cmd.Collection, func(cid uint32) {
			if err := inst.storeSchedule(cookie, cmd, cid, start, cb); err != nil {
				fail(err)
			}
		}, fail)
		return nil
	}, fail)
}

// canCompress applies the outbound compression policy: the user allows
// it, the cluster can parse it, and the value is not compressed already.
func (inst *Instance) canCompress(cmap *base.ClusterMap, cmd *StoreCommand) bool {
	mode := inst.settings.CompressionMode
	if mode&base.CompressOut == 0 {
		return false
	}
	if !cmap.HasCapability(base.CapabilitySnappy) && mode&base.CompressForce == 0 {
		return false
	}
	return !cmd.ValueIsCompressed
}

func (inst *Instance) storeSchedule(cookie interface{}, cmd *StoreCommand, cid uint32, start time.Time, cb StoreCallback) error {
	cmap := inst.holder.Get()
	if cmap == nil {
		return base.ErrorNoConfiguration
	}

	opcode, extrasLen := cmd.Operation.opcode()

	var extras []byte
	if extrasLen == 8 {
		extras = make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], cmd.Flags)
		binary.BigEndian.PutUint32(extras[4:8], cmd.Expiry)
	}

	// poll durability is validated against today's topology before the
	// store goes out
	var pollPersist, pollReplicate int
	if cmd.Durability.Mode == DurabilityPoll {
		var err error
		pollPersist, pollReplicate, err = validatePollDurability(cmap, cmd.Durability)
		if err != nil {
			return err
		}
	}

	value := cmd.Value
	datatype := uint8(0)
	if cmd.ValueIsCompressed {
		datatype |= mc.DatatypeFlagCompressed
	} else if inst.canCompress(cmap, cmd) {
		compressed := snappy.Encode(nil, value)
		if len(compressed) < len(value) {
			value = compressed
			datatype |= mc.DatatypeFlagCompressed
		}
	}
	if cmd.ValueIsJSON && cmap.HasCapability(base.CapabilityJSON) {
		datatype |= mc.DatatypeFlagJSON
	}

	var frameExtras []byte
	syncSupported := cmap.HasCapability(base.CapabilitySyncReplication)
	if cmd.Durability.Mode == DurabilitySync && cmd.Durability.Level != base.DurabilityLevelNone {
		if !syncSupported {
			return base.ErrorFeatureUnavailable
		}
		timeout := cmd.Timeout
		if timeout == 0 {
			timeout = inst.settings.DurabilityTimeout
		}
		frameExtras = wire.SyncDurabilityFrameExtras(cmd.Durability.Level, timeout)
	}

	req := &mc.MCRequest{
		Opcode:   opcode,
		Cas:      cmd.Cas,
		DataType: datatype,
		Key:      wire.CollectionKey(cid, cmd.Key, inst.settings.UseCollections),
		Extras:   extras,
		Body:     value,
	}

	hadCas := cmd.Cas != 0
	durDeadline := start.Add(inst.durabilityBudget(cmd.Timeout, cmd.Durability.Mode))
	deliver := func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
		out := &StoreResponse{Cookie: pkt.Data.Cookie, Key: cmd.Key}
		if err != nil {
			cb(out, err)
			return
		}
		if serr := translateStatus(resp.Status, opcode, hadCas); serr != nil {
			cb(out, serr)
			return
		}
		out.Cas = resp.Cas
		out.StoreOk = true
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

	// the wire packet lives on the operation deadline; the durability
	// poll that may follow runs on the durability budget
	deadline := inst.deadlineFor(start, cmd.Timeout)
	if cmd.Durability.Mode == DurabilitySync && deadline.Before(durDeadline) {
		deadline = durDeadline
	}

	data := pipeline.NewReqData(cookie, start, deadline,
		inst.defaultProcessor(deliver),
		func(pkt *pipeline.Packet, err error) {
			cb(&StoreResponse{Cookie: cookie, Key: cmd.Key}, err)
		})
	data.Span = cmd.ParentSpan

	return inst.scheduleKeyed(cmd.Key, &pipeline.Packet{Req: req, Data: data, FrameExtras: frameExtras})
}

// durabilityBudget sizes the deadline of a durable command: the
// durability timeout governs when the command has durability work to do
// after or on the server.
func (inst *Instance) durabilityBudget(cmdTimeout time.Duration, mode DurabilityMode) time.Duration {
	if cmdTimeout > 0 {
		return cmdTimeout
	}
	if mode == DurabilityNone {
		return inst.settings.OperationTimeout
	}
	return inst.settings.DurabilityTimeout
}
