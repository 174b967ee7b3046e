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
)

// deliverFunc receives the terminal outcome of a retry chain. resp is nil
// when err is set.
type deliverFunc func(pkt *pipeline.Packet, resp *mc.MCResponse, err error)

// defaultProcessor wraps deliver with the shared retry machinery:
// NOT_MY_VBUCKET triggers a map refresh and one silent reroute, temporary
// failures retry with bounded backoff, and a chain that outlives its
// deadline surfaces TIMEOUT. Each retry hop gets a fresh opaque on
// whatever pipeline the key routes to at that moment.
func (inst *Instance) defaultProcessor(deliver deliverFunc) pipeline.ResponseProcessor {
	return func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
		if err != nil {
			deliver(pkt, nil, err)
			return
		}

		now := time.Now()
		switch {
		case resp.Status == mc.NOT_MY_VBUCKET:
			inst.requestConfigRefresh()
			if pkt.VbucketRetries < base.MaxVbucketRetries && !pkt.Expired(now) {
				pkt.VbucketRetries++
				if inst.settings.VbNoGuess {
					inst.parkForRefresh(pkt)
				} else {
					inst.queue.Requeue(pkt)
				}
				return
			}
			deliver(pkt, nil, base.ErrorTimeout)

		case retriableStatus(resp.Status):
			if pkt.StatusRetries < base.MaxStatusRetries && !pkt.Expired(now) {
				backoff := base.RetryBackoffInitial
				for i := 0; i < pkt.StatusRetries; i++ {
					backoff *= base.RetryBackoffFactor
				}
				pkt.StatusRetries++
				time.AfterFunc(backoff, func() {
					inst.queue.Requeue(pkt)
				})
				return
			}
			if pkt.Expired(now) {
				deliver(pkt, nil, base.ErrorTimeout)
			} else {
				deliver(pkt, nil, base.ErrorTemporaryFailure)
			}

		default:
			deliver(pkt, resp, nil)
		}
	}
}

// scheduleKeyed routes one packet by the user key and flushes it in its
// own enter/leave block.
func (inst *Instance) scheduleKeyed(key []byte, pkt *pipeline.Packet) error {
	inst.queue.SchedEnter()
	if _, err := inst.queue.AddForKey(key, pkt); err != nil {
		inst.queue.SchedFail()
		return err
	}
	inst.queue.SchedLeave()
	return nil
}

// withCollection resolves the collection id for ns and continues with it.
// The fast paths, collections disabled or a cache hit, continue inline;
// a miss suspends the command until the resolver answers. Resolution
// errors reach fail on the resolver's goroutine.
func (inst *Instance) withCollection(ns base.CollectionNamespace, cont func(cid uint32), fail func(err error)) {
	if !inst.settings.UseCollections {
		cont(base.DefaultCollectionId)
		return
	}
	if ns.IsDefault() {
		cont(base.DefaultCollectionId)
		return
	}
	if cid, ok := inst.collCache.Lookup(ns); ok {
		cont(cid)
		return
	}
	inst.collCache.Resolve(ns, func(cid uint32, err error) {
		if err != nil {
			fail(err)
			return
		}
		cont(cid)
	})
}

// execute runs op now when a cluster map exists, or parks it until the
// first map arrives. Errors from a deferred execution are delivered
// through fail since the submission call has long returned.
func (inst *Instance) execute(op func() error, fail func(err error)) error {
	if inst.holder.Get() != nil {
		return op()
	}
	inst.deferUntilConfigured(func(err error) {
		if err == nil {
			err = op()
		}
		if err != nil {
			fail(err)
		}
	})
	return nil
}
