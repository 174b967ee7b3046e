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
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/log"
	"github.com/couchbase/gokvclient/pipeline"
)

// resolveContinuation receives a resolved collection id or the error that
// ended the resolution.
type resolveContinuation func(cid uint32, err error)

// CollectionCache maps (scope, collection) names onto collection ids.
// Concurrent misses on one namespace fold into a single in-flight lookup
// whose outcome every waiter shares.
type CollectionCache struct {
	inst *Instance
	ids  *xsync.MapOf[string, uint32]

	lock     sync.Mutex
	inflight map[string][]resolveContinuation

	logger *log.CommonLogger
}

func NewCollectionCache(inst *Instance, logger_ctx *log.LoggerContext) *CollectionCache {
	return &CollectionCache{
		inst:     inst,
		ids:      xsync.NewMapOf[string, uint32](),
		inflight: make(map[string][]resolveContinuation),
		logger:   log.NewLogger("CollCache", logger_ctx),
	}
}

func collectionPath(ns base.CollectionNamespace) string {
	scope := ns.ScopeName
	coll := ns.CollectionName
	if scope == "" {
		scope = base.DefaultScopeName
	}
	if coll == "" {
		coll = base.DefaultCollectionName
	}
	return scope + "." + coll
}

// Lookup is the cache fast path.
func (c *CollectionCache) Lookup(ns base.CollectionNamespace) (uint32, bool) {
	return c.ids.Load(collectionPath(ns))
}

// Resolve fetches the collection id from the cluster and invokes cont
// with it. The first miss on a namespace issues the lookup packet; later
// misses just join its waiter list. A resolution that cannot even be
// scheduled surfaces as TIMEOUT, matching what the user would eventually
// observe.
func (c *CollectionCache) Resolve(ns base.CollectionNamespace, cont resolveContinuation) {
	path := collectionPath(ns)

	c.lock.Lock()
	if cid, ok := c.ids.Load(path); ok {
		c.lock.Unlock()
		cont(cid, nil)
		return
	}
	waiters, alreadyInflight := c.inflight[path]
	c.inflight[path] = append(waiters, cont)
	c.lock.Unlock()

	if alreadyInflight {
		return
	}

	if err := c.issueLookup(path); err != nil {
		c.logger.Errorf("%v", err)
		// a lookup that never got scheduled surfaces the way it would
		// eventually be observed
		c.complete(path, 0, base.ErrorTimeout)
	}
}

// issueLookup sends a get-collection-id packet to any live pipeline.
func (c *CollectionCache) issueLookup(path string) error {
	pl, err := c.livePipeline()
	if err != nil {
		return errors.Wrapf(err, "collection id lookup for %v", path)
	}

	start := time.Now()
	req := &mc.MCRequest{
		Opcode: mc.COLLECTIONS_GET_CID,
		Body:   []byte(path),
	}
	data := pipeline.NewReqData(nil, start, c.inst.deadlineFor(start, 0),
		func(pkt *pipeline.Packet, resp *mc.MCResponse, err error) {
			c.handleLookupResponse(path, resp, err)
		},
		func(pkt *pipeline.Packet, err error) {
			c.complete(path, 0, base.ErrorTimeout)
		})
	// a retried lookup must not be rerouted by key; it has none
	data.Retryable = false

	pkt := &pipeline.Packet{Req: req, Data: data}

	q := c.inst.queue
	q.SchedEnter()
	if err := q.Add(pl, pkt); err != nil {
		q.SchedFail()
		return errors.Wrapf(err, "scheduling collection id lookup for %v on pipeline %v", path, pl.Endpoint())
	}
	q.SchedLeave()
	return nil
}

func (c *CollectionCache) livePipeline() (*pipeline.Pipeline, error) {
	q := c.inst.queue
	n := q.NumPipelines()
	for i := 0; i < n; i++ {
		pl, err := q.PipelineAt(i)
		if err != nil {
			continue
		}
		if pl.State() != pipeline.StateClosed && pl.State() != pipeline.StateDraining {
			return pl, nil
		}
	}
	return nil, errors.Wrapf(base.ErrorNoMatchingServer, "no live pipeline among %v", n)
}

func (c *CollectionCache) handleLookupResponse(path string, resp *mc.MCResponse, err error) {
	if err != nil {
		c.complete(path, 0, errors.Wrapf(err, "collection id lookup for %v", path))
		return
	}
	if resp.Status != mc.SUCCESS {
		serr := translateStatus(resp.Status, mc.COLLECTIONS_GET_CID, false)
		c.complete(path, 0, errors.Wrapf(serr, "resolving collection %v", path))
		return
	}
	// extras carry the manifest uid followed by the collection id
	if len(resp.Extras) < 12 {
		c.complete(path, 0, errors.Wrapf(base.ErrorProtocol, "collection id response for %v carries %v extras bytes", path, len(resp.Extras)))
		return
	}
	cid := binary.BigEndian.Uint32(resp.Extras[8:12])
	c.ids.Store(path, cid)
	c.complete(path, cid, nil)
}

// complete fires every waiter of one resolution with its outcome.
func (c *CollectionCache) complete(path string, cid uint32, err error) {
	c.lock.Lock()
	waiters := c.inflight[path]
	delete(c.inflight, path)
	c.lock.Unlock()

	if err == nil {
		c.logger.Debugf("resolved collection %v to id %v for %v waiters", path, cid, len(waiters))
	}
	for _, cont := range waiters {
		cont(cid, err)
	}
}
