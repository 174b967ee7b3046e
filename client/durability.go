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

// validatePollDurability resolves the requested thresholds against the
// current topology. -1 on either side requests the maximum and implies
// cap-max clamping; without cap-max, asking for more copies than the
// cluster holds is an error.
func validatePollDurability(cmap *base.ClusterMap, dur Durability) (int, int, error) {
	persistMax := cmap.NumReplicas + 1
	replicateMax := cmap.NumReplicas

	persist := dur.PersistTo
	replicate := dur.ReplicateTo
	capMax := dur.CapMax || persist == -1 || replicate == -1

	if persist == -1 {
		persist = persistMax
	}
	if replicate == -1 {
		replicate = replicateMax
	}
	if persist == 0 && replicate == 0 {
		return 0, 0, base.ErrorInvalidArgument
	}
	if persist < 0 || replicate < 0 {
		return 0, 0, base.ErrorInvalidArgument
	}

	if persist > persistMax || replicate > replicateMax {
		if !capMax {
			return 0, 0, base.ErrorDurabilityTooMany
		}
		if persist > persistMax {
			persist = persistMax
		}
		if replicate > replicateMax {
			replicate = replicateMax
		}
	}
	return persist, replicate, nil
}

// durabilityJob polls one mutation to its persist/replicate thresholds.
// Rounds repeat on the durability interval until the thresholds are met,
// the document is found changed, or the deadline passes.
type durabilityJob struct {
	inst *Instance

	key []byte
	cid uint32

	// cas anchors CAS based verification; token switches the job onto
	// sequence number verification when set and the cluster hands out
	// mutation tokens
	cas   uint64
	token base.MutationToken

	persistTo   int
	replicateTo int
	checkDelete bool
	seqnoMode   bool

	start    time.Time
	deadline time.Time

	done func(err error)

	lock       sync.Mutex
	finished   bool
	remaining  int
	persisted  int
	replicated int
	// terminal error discovered mid-round (document replaced or gone)
	roundErr error
}

func (inst *Instance) startDurabilityPoll(job *durabilityJob) {
	job.inst = inst
	cmap := inst.holder.Get()
	job.seqnoMode = job.token.IsSet() && cmap != nil && cmap.HasCapability(base.CapabilityMutationTokens)
	go job.round()
}

func (job *durabilityJob) finish(err error) {
	job.lock.Lock()
	if job.finished {
		job.lock.Unlock()
		return
	}
	job.finished = true
	job.lock.Unlock()
	job.done(err)
}

// round fans one observe probe to the master and every configured
// replica of the key's vbucket, then evaluates the tallies when the last
// probe resolves.
func (job *durabilityJob) round() {
	job.lock.Lock()
	if job.finished {
		job.lock.Unlock()
		return
	}
	job.lock.Unlock()

	if time.Now().After(job.deadline) {
		job.finish(base.ErrorTimeout)
		return
	}

	cmap := job.inst.holder.Get()
	if cmap == nil {
		job.finish(base.ErrorNoConfiguration)
		return
	}

	vb := base.VBucketForKey(job.key, cmap.NumVBuckets())
	targets := make([]int, 0, cmap.NumReplicas+1)
	if master := cmap.Master(vb); master >= 0 {
		targets = append(targets, master)
	}
	for i := 0; i < cmap.NumReplicas; i++ {
		if idx := cmap.Replica(vb, i); idx >= 0 {
			targets = append(targets, idx)
		}
	}
	if len(targets) == 0 {
		job.finish(base.ErrorNoMatchingServer)
		return
	}

	job.lock.Lock()
	job.remaining = len(targets)
	job.persisted = 0
	job.replicated = 0
	job.roundErr = nil
	job.lock.Unlock()

	q := job.inst.queue
	q.SchedEnter()
	scheduled := 0
	for i, serverIdx := range targets {
		pl, err := q.PipelineAt(serverIdx)
		if err != nil {
			continue
		}
		pkt := job.buildProbe(vb, i == 0)
		if q.Add(pl, pkt) == nil {
			scheduled++
		}
	}
	if scheduled == 0 {
		q.SchedFail()
		job.finish(base.ErrorTimeout)
		return
	}
	job.lock.Lock()
	job.remaining = scheduled
	job.lock.Unlock()
	q.SchedLeave()
}

func (job *durabilityJob) buildProbe(vb uint16, isMaster bool) *pipeline.Packet {
	var req *mc.MCRequest
	if job.seqnoMode {
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, job.token.VbUuid)
		req = &mc.MCRequest{
			Opcode:  mc.OBSERVE_SEQNO,
			VBucket: vb,
			Body:    body,
		}
	} else {
		wireKey := wire.CollectionKey(job.cid, job.key, job.inst.settings.UseCollections)
		body := make([]byte, 0, 4+len(wireKey))
		body = binary.BigEndian.AppendUint16(body, vb)
		body = binary.BigEndian.AppendUint16(body, uint16(len(wireKey)))
		body = append(body, wireKey...)
		req = &mc.MCRequest{
			Opcode:  mc.OBSERVE,
			VBucket: vb,
			Body:    body,
		}
	}

	data := pipeline.NewReqData(nil, job.start, job.deadline,
		func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
			job.handleProbe(resp, err, isMaster)
		},
		func(pkt *pipeline.Packet, err error) {
			job.handleProbe(nil, err, isMaster)
		})
	// probes target fixed servers and are re-issued by the next round
	// rather than rerouted
	data.Retryable = false
	return &pipeline.Packet{Req: req, Data: data}
}

func (job *durabilityJob) handleProbe(resp *mc.MCResponse, err error, isMaster bool) {
	job.lock.Lock()
	if err == nil && resp.Status == mc.SUCCESS {
		if job.seqnoMode {
			job.tallySeqnoLocked(resp, isMaster)
		} else {
			job.tallyCasLocked(resp, isMaster)
		}
	}
	job.remaining--
	lastProbe := job.remaining == 0
	job.lock.Unlock()

	if lastProbe {
		job.evaluate()
	}
}

// tallyCasLocked folds one OBSERVE answer into the round. Caller holds
// the lock.
func (job *durabilityJob) tallyCasLocked(resp *mc.MCResponse, isMaster bool) {
	body := resp.Body
	if len(body) < 5 {
		return
	}
	keyLen := int(binary.BigEndian.Uint16(body[2:4]))
	if len(body) < 4+keyLen+9 {
		return
	}
	status := body[4+keyLen]
	cas := binary.BigEndian.Uint64(body[4+keyLen+1 : 4+keyLen+9])

	if job.checkDelete {
		switch status {
		case base.ObserveStatusNotFound:
			job.persisted++
			job.replicated++
		case base.ObserveStatusLogicallyDeleted:
			job.replicated++
		}
		return
	}

	switch status {
	case base.ObserveStatusPersisted, base.ObserveStatusFoundNotPersisted:
		if isMaster {
			if cas != job.cas {
				job.roundErr = base.ErrorDocumentExists
				return
			}
			if status == base.ObserveStatusPersisted {
				job.persisted++
			}
			return
		}
		if cas == job.cas {
			job.replicated++
			if status == base.ObserveStatusPersisted {
				job.persisted++
			}
		}
	case base.ObserveStatusNotFound, base.ObserveStatusLogicallyDeleted:
		if isMaster {
			job.roundErr = base.ErrorDocumentNotFound
		}
	}
}

// tallySeqnoLocked folds one OBSERVE_SEQNO answer into the round. Caller
// holds the lock.
func (job *durabilityJob) tallySeqnoLocked(resp *mc.MCResponse, isMaster bool) {
	body := resp.Body
	if len(body) < 27 {
		return
	}
	// format(1) vbid(2) vbuuid(8) persisted_seqno(8) current_seqno(8)
	vbuuid := binary.BigEndian.Uint64(body[3:11])
	persistedSeqno := binary.BigEndian.Uint64(body[11:19])
	currentSeqno := binary.BigEndian.Uint64(body[19:27])

	if vbuuid != job.token.VbUuid {
		// failover happened; this server's history diverged
		return
	}
	if isMaster {
		if persistedSeqno >= job.token.Seqno {
			job.persisted++
		}
		return
	}
	if currentSeqno >= job.token.Seqno {
		job.replicated++
		if persistedSeqno >= job.token.Seqno {
			job.persisted++
		}
	}
}

func (job *durabilityJob) evaluate() {
	job.lock.Lock()
	roundErr := job.roundErr
	satisfied := job.persisted >= job.persistTo && job.replicated >= job.replicateTo
	job.lock.Unlock()

	if roundErr != nil {
		job.finish(roundErr)
		return
	}
	if satisfied {
		job.finish(nil)
		return
	}
	if time.Now().After(job.deadline) {
		job.finish(base.ErrorTimeout)
		return
	}
	time.AfterFunc(job.inst.settings.DurabilityInterval, job.round)
}

// EndureCommand verifies durability of an already acknowledged mutation.
type EndureCommand struct {
	Key        []byte
	Collection base.CollectionNamespace
	Cas        uint64
	Token      base.MutationToken

	PersistTo   int
	ReplicateTo int
	CapMax      bool

	// SeqnoBased forces sequence number verification; it requires the
	// cluster to hand out mutation tokens.
	SeqnoBased  bool
	CheckDelete bool

	Timeout time.Duration
}

type EndureResponse struct {
	Cookie interface{}
	Key    []byte
	Cas    uint64
}

type EndureCallback func(resp *EndureResponse, err error)

// Endure polls until the mutation identified by Cas or Token reaches the
// requested thresholds.
func (inst *Instance) Endure(cookie interface{}, cmd *EndureCommand, cb EndureCallback) error {
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
	if cmd.SeqnoBased && !cmap.HasCapability(base.CapabilityMutationTokens) {
		return base.ErrorDurabilityNoMutationTokens
	}

	dur := Durability{
		Mode:        DurabilityPoll,
		PersistTo:   cmd.PersistTo,
		ReplicateTo: cmd.ReplicateTo,
		CapMax:      cmd.CapMax,
	}
	persist, replicate, err := validatePollDurability(cmap, dur)
	if err != nil {
		return err
	}

	start := time.Now()
	fail := func(err error) {
		cb(&EndureResponse{Cookie: cookie, Key: cmd.Key, Cas: cmd.Cas}, err)
	}

	token := cmd.Token
	if !cmd.SeqnoBased {
		token = base.MutationToken{}
	}

	inst.withCollection(cmd.Collection, func(cid uint32) {
		inst.startDurabilityPoll(&durabilityJob{
			key:         cmd.Key,
			cid:         cid,
			cas:         cmd.Cas,
			token:       token,
			persistTo:   persist,
			replicateTo: replicate,
			checkDelete: cmd.CheckDelete,
			start:       start,
			deadline:    start.Add(inst.durabilityBudget(cmd.Timeout, DurabilityPoll)),
			done: func(err error) {
				cb(&EndureResponse{Cookie: cookie, Key: cmd.Key, Cas: cmd.Cas}, err)
			},
		})
	}, fail)
	return nil
}
