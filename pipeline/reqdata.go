// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package pipeline

import (
	"sync/atomic"
	"time"

	mc "github.com/couchbase/gomemcached"
)

// ResponseProcessor handles the terminal outcome of one packet: a decoded
// response, or a delivery error (timeout, network, protocol). Exactly one
// of resp and err is set.
type ResponseProcessor func(pkt *Packet, resp *mc.MCResponse, err error)

// SchedFailProcessor handles a packet that never made it onto a pipeline.
type SchedFailProcessor func(pkt *Packet, err error)

// ReqData is the per-packet control block, created with a single
// reference. Every packet gets its own block, each packet of a replica
// fan-out or durability poll included; the state such a fan-out shares
// lives in the operation's own cookie. Ref and Unref maintain the count,
// and no caller in this module uses them.
type ReqData struct {
	Cookie   interface{}
	Start    time.Time
	Deadline time.Time

	// Span carries an opaque parent trace reference; the client never
	// inspects it.
	Span interface{}

	OnResponse  ResponseProcessor
	OnSchedFail SchedFailProcessor

	// Retryable packets are rerouted instead of failed when their
	// pipeline drains on a topology change.
	Retryable bool

	refs int32
}

func NewReqData(cookie interface{}, start, deadline time.Time, onResponse ResponseProcessor, onSchedFail SchedFailProcessor) *ReqData {
	return &ReqData{
		Cookie:      cookie,
		Start:       start,
		Deadline:    deadline,
		OnResponse:  onResponse,
		OnSchedFail: onSchedFail,
		Retryable:   true,
		refs:        1,
	}
}

func (rd *ReqData) Ref() {
	atomic.AddInt32(&rd.refs, 1)
}

// Unref drops one reference and reports whether this was the last one.
func (rd *ReqData) Unref() bool {
	return atomic.AddInt32(&rd.refs, -1) == 0
}

// Packet is one serialized command scheduled on a pipeline. The opaque on
// Req is assigned at enqueue time and is never reused while the packet
// sits in the pending map; a retry gets a fresh packet clone with a fresh
// opaque.
type Packet struct {
	Req         *mc.MCRequest
	FrameExtras []byte
	Data        *ReqData

	// Retry bookkeeping carried across clones so the chain shares one
	// budget.
	VbucketRetries int
	StatusRetries  int
}

// Clone produces the packet used for a retry hop. The request is shallow
// copied so the fresh opaque does not clobber the one recorded for the
// in-flight original, while the control block and retry counters carry
// over.
func (p *Packet) Clone() *Packet {
	reqCopy := *p.Req
	return &Packet{
		Req:            &reqCopy,
		FrameExtras:    p.FrameExtras,
		Data:           p.Data,
		VbucketRetries: p.VbucketRetries,
		StatusRetries:  p.StatusRetries,
	}
}

// Expired is true once the control block's absolute deadline has passed.
func (p *Packet) Expired(now time.Time) bool {
	return !p.Data.Deadline.IsZero() && now.After(p.Data.Deadline)
}
