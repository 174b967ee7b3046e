// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package pipeline

import (
	"bufio"
	"sync"
	"time"

	mc "github.com/couchbase/gomemcached"
	"github.com/rcrowley/go-metrics"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/log"
	"github.com/couchbase/gokvclient/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

const (
	PACKETS_SENT_METRIC     = "packets_sent"
	PACKETS_RECEIVED_METRIC = "packets_received"
	PACKETS_TIMEDOUT_METRIC = "packets_timedout"
	BYTES_SENT_METRIC       = "bytes_sent"
)

// Pipeline owns the connection to one data node and the FIFO of packets
// outstanding on it. Writes reach the server in enqueue order; responses
// are matched back to their packet by opaque.
type Pipeline struct {
	index    int
	endpoint string
	factory  base.ConnFactory

	lock      sync.Mutex
	state     State
	conn      base.ConnIface
	opaqueCtr uint32
	pending   map[uint32]*Packet
	// opaques expired by the deadline checker; a late response for one of
	// these is dropped instead of being treated as a protocol error
	expired   map[uint32]struct{}
	fallback  []*Packet
	idleSince time.Time

	sendCh chan *Packet
	// wakes the deadline checker when a packet with an earlier deadline
	// arrives
	deadlineKick    chan bool
	finch           chan bool
	childrenWaitGrp sync.WaitGroup

	registry        metrics.Registry
	sentCounter     metrics.Counter
	receivedCounter metrics.Counter
	timedoutCounter metrics.Counter
	bytesCounter    metrics.Counter

	// hands a retryable packet back to the command queue when the
	// pipeline drains
	requeueHandler func(*Packet)

	logger *log.CommonLogger
}

func NewPipeline(index int, endpoint string, factory base.ConnFactory, requeueHandler func(*Packet), logger_ctx *log.LoggerContext) *Pipeline {
	registry := metrics.NewRegistry()
	pl := &Pipeline{
		index:          index,
		endpoint:       endpoint,
		factory:        factory,
		state:          StateDisconnected,
		pending:        make(map[uint32]*Packet),
		expired:        make(map[uint32]struct{}),
		sendCh:         make(chan *Packet, base.DefaultPipelineSendQueueSize),
		deadlineKick:   make(chan bool, 1),
		finch:          make(chan bool),
		idleSince:      time.Now(),
		registry:       registry,
		requeueHandler: requeueHandler,
		logger:         log.NewLogger("Pipeline", logger_ctx).ForInstance(endpoint),
	}
	pl.sentCounter = registry.GetOrRegister(PACKETS_SENT_METRIC, metrics.NewCounter()).(metrics.Counter)
	pl.receivedCounter = registry.GetOrRegister(PACKETS_RECEIVED_METRIC, metrics.NewCounter()).(metrics.Counter)
	pl.timedoutCounter = registry.GetOrRegister(PACKETS_TIMEDOUT_METRIC, metrics.NewCounter()).(metrics.Counter)
	pl.bytesCounter = registry.GetOrRegister(BYTES_SENT_METRIC, metrics.NewCounter()).(metrics.Counter)
	return pl
}

func (pl *Pipeline) Index() int {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	return pl.index
}

func (pl *Pipeline) SetIndex(index int) {
	pl.lock.Lock()
	pl.index = index
	pl.lock.Unlock()
}

func (pl *Pipeline) Endpoint() string {
	return pl.endpoint
}

func (pl *Pipeline) State() State {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	return pl.state
}

// IdleSince reports when the pipeline last had traffic. No component of
// this module reads it; the connection pool tracks idle time on its own
// pooled connections.
func (pl *Pipeline) IdleSince() time.Time {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	return pl.idleSince
}

func (pl *Pipeline) Registry() metrics.Registry {
	return pl.registry
}

// nextOpaque allocates a fresh opaque, skipping values still held by the
// pending map or its tombstones. Caller holds the lock.
func (pl *Pipeline) nextOpaque() uint32 {
	for {
		pl.opaqueCtr++
		opaque := pl.opaqueCtr
		_, inPending := pl.pending[opaque]
		_, inExpired := pl.expired[opaque]
		if !inPending && !inExpired {
			return opaque
		}
	}
}

// Enqueue schedules one packet. On a connected pipeline the packet joins
// the pending map and the send queue immediately; while a connection is
// being established it parks in the fallback buffer and is flushed, in
// order, once the connection is up.
func (pl *Pipeline) Enqueue(pkt *Packet) error {
	pl.lock.Lock()

	switch pl.state {
	case StateDraining, StateClosed:
		pl.lock.Unlock()
		return base.ErrorPipelineClosed
	case StateConnected:
		pl.enqueueLocked(pkt)
		pl.lock.Unlock()
		pl.kickDeadlineChecker()
		return nil
	case StateConnecting:
		pl.fallback = append(pl.fallback, pkt)
		pl.lock.Unlock()
		pl.kickDeadlineChecker()
		return nil
	case StateDisconnected:
		pl.fallback = append(pl.fallback, pkt)
		pl.state = StateConnecting
		pl.lock.Unlock()
		go pl.connect()
		pl.kickDeadlineChecker()
		return nil
	}
	pl.lock.Unlock()
	return base.ErrorPipelineClosed
}

// enqueueLocked assigns the opaque and hands the packet to the sender.
// Caller holds the lock and has verified the Connected state.
func (pl *Pipeline) enqueueLocked(pkt *Packet) {
	pkt.Req.Opaque = pl.nextOpaque()
	pl.pending[pkt.Req.Opaque] = pkt
	pl.idleSince = time.Now()
	pl.sendCh <- pkt
}

func (pl *Pipeline) connect() {
	conn, err := pl.factory(pl.endpoint)

	pl.lock.Lock()
	if pl.state != StateConnecting {
		pl.lock.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		fallback := pl.fallback
		pl.fallback = nil
		pl.state = StateDisconnected
		pl.lock.Unlock()
		pl.logger.Errorf("pipeline %v failed to connect: %v", pl.index, err)
		for _, pkt := range fallback {
			pkt.Data.OnResponse(pkt, nil, base.ErrorNetwork)
		}
		return
	}

	pl.conn = conn
	pl.state = StateConnected
	fallback := pl.fallback
	pl.fallback = nil
	for _, pkt := range fallback {
		pl.enqueueLocked(pkt)
	}
	pl.lock.Unlock()

	pl.logger.Infof("pipeline %v connected, flushed %v fallback packets", pl.index, len(fallback))

	pl.childrenWaitGrp.Add(3)
	go pl.sendLoop(conn, pl.finch)
	go pl.receiveLoop(conn, pl.finch)
	go pl.deadlineChecker(pl.finch)
}

// sendLoop writes packets in enqueue order, coalescing whatever is ready
// into one buffered flush.
func (pl *Pipeline) sendLoop(conn base.ConnIface, finch chan bool) {
	defer pl.childrenWaitGrp.Done()

	writer := bufio.NewWriter(connWriter{conn})
	var encodeBuf []byte

	for {
		select {
		case <-finch:
			return
		case pkt := <-pl.sendCh:
			encodeBuf = wire.EncodeRequest(encodeBuf[:0], pkt.Req, pkt.FrameExtras)
			if _, err := writer.Write(encodeBuf); err != nil {
				pl.connectionFailure(err)
				return
			}
			pl.sentCounter.Inc(1)
			pl.bytesCounter.Inc(int64(len(encodeBuf)))

			// drain whatever else is queued before flushing
			for more := true; more; {
				select {
				case next := <-pl.sendCh:
					encodeBuf = wire.EncodeRequest(encodeBuf[:0], next.Req, next.FrameExtras)
					if _, err := writer.Write(encodeBuf); err != nil {
						pl.connectionFailure(err)
						return
					}
					pl.sentCounter.Inc(1)
					pl.bytesCounter.Inc(int64(len(encodeBuf)))
				default:
					more = false
				}
			}
			if err := writer.Flush(); err != nil {
				pl.connectionFailure(err)
				return
			}
		}
	}
}

// connWriter strips the deadline methods off ConnIface so bufio sees a
// plain io.Writer.
type connWriter struct {
	conn base.ConnIface
}

func (w connWriter) Write(buf []byte) (int, error) {
	return w.conn.Write(buf)
}

// receiveLoop accumulates inbound bytes, decodes complete packets, and
// routes each response to the packet pending under its opaque.
func (pl *Pipeline) receiveLoop(conn base.ConnIface, finch chan bool) {
	defer pl.childrenWaitGrp.Done()

	reader := bufio.NewReader(connReader{conn})
	hdrBuf := make([]byte, mc.HDR_LEN)

	for {
		select {
		case <-finch:
			return
		default:
		}

		resp, err := wire.ReadResponse(reader, hdrBuf)
		if err != nil {
			if pl.State() == StateClosed || pl.State() == StateDraining {
				return
			}
			pl.connectionFailure(err)
			return
		}

		pl.lock.Lock()
		pkt, found := pl.pending[resp.Opaque]
		if found {
			delete(pl.pending, resp.Opaque)
			pl.idleSince = time.Now()
		} else if _, wasExpired := pl.expired[resp.Opaque]; wasExpired {
			delete(pl.expired, resp.Opaque)
			pl.lock.Unlock()
			continue
		}
		pl.lock.Unlock()

		if !found {
			pl.logger.Errorf("pipeline %v received unknown opaque %v, closing connection", pl.index, resp.Opaque)
			pl.connectionFailure(base.ErrorUnknownOpaque)
			return
		}

		pl.receivedCounter.Inc(1)
		pkt.Data.OnResponse(pkt, resp, nil)
	}
}

type connReader struct {
	conn base.ConnIface
}

func (r connReader) Read(buf []byte) (int, error) {
	return r.conn.Read(buf)
}

// deadlineChecker arms a single timer for the nearest packet deadline and
// expires everything past due when it fires.
func (pl *Pipeline) deadlineChecker(finch chan bool) {
	defer pl.childrenWaitGrp.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		nearest := pl.nearestDeadline()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if nearest.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(time.Until(nearest))
		}

		select {
		case <-finch:
			return
		case <-pl.deadlineKick:
		case <-timer.C:
			pl.expireDuePackets()
		}
	}
}

func (pl *Pipeline) kickDeadlineChecker() {
	select {
	case pl.deadlineKick <- true:
	default:
	}
}

func (pl *Pipeline) nearestDeadline() time.Time {
	pl.lock.Lock()
	defer pl.lock.Unlock()

	var nearest time.Time
	for _, pkt := range pl.pending {
		if pkt.Data.Deadline.IsZero() {
			continue
		}
		if nearest.IsZero() || pkt.Data.Deadline.Before(nearest) {
			nearest = pkt.Data.Deadline
		}
	}
	for _, pkt := range pl.fallback {
		if pkt.Data.Deadline.IsZero() {
			continue
		}
		if nearest.IsZero() || pkt.Data.Deadline.Before(nearest) {
			nearest = pkt.Data.Deadline
		}
	}
	return nearest
}

func (pl *Pipeline) expireDuePackets() {
	now := time.Now()
	var due []*Packet

	pl.lock.Lock()
	for opaque, pkt := range pl.pending {
		if pkt.Expired(now) {
			delete(pl.pending, opaque)
			pl.expired[opaque] = struct{}{}
			due = append(due, pkt)
		}
	}
	kept := pl.fallback[:0]
	for _, pkt := range pl.fallback {
		if pkt.Expired(now) {
			due = append(due, pkt)
		} else {
			kept = append(kept, pkt)
		}
	}
	pl.fallback = kept
	pl.lock.Unlock()

	for _, pkt := range due {
		pl.timedoutCounter.Inc(1)
		pkt.Data.OnResponse(pkt, nil, base.ErrorTimeout)
	}
}

// connectionFailure tears the connection down and fails every pending
// packet with a network error. Fatal protocol conditions land here too.
func (pl *Pipeline) connectionFailure(cause error) {
	pl.lock.Lock()
	if pl.state != StateConnected {
		pl.lock.Unlock()
		return
	}
	pl.state = StateDisconnected
	conn := pl.conn
	pl.conn = nil
	pending := pl.pending
	pl.pending = make(map[uint32]*Packet)
	pl.expired = make(map[uint32]struct{})
	fallback := pl.fallback
	pl.fallback = nil
	finch := pl.finch
	pl.finch = make(chan bool)
	pl.drainSendChLocked()
	pl.lock.Unlock()

	pl.logger.Errorf("pipeline %v connection failed: %v. failing %v pending packets",
		pl.index, cause, len(pending)+len(fallback))

	close(finch)
	if conn != nil {
		conn.Close()
	}

	for _, pkt := range pending {
		pkt.Data.OnResponse(pkt, nil, base.ErrorNetwork)
	}
	for _, pkt := range fallback {
		pkt.Data.OnResponse(pkt, nil, base.ErrorNetwork)
	}
}

// drainSendChLocked empties the send queue. Packets found here are also
// in the pending map that the caller is about to fail, so they are just
// dropped.
func (pl *Pipeline) drainSendChLocked() {
	for {
		select {
		case <-pl.sendCh:
		default:
			return
		}
	}
}

// Drain transitions the pipeline out of service on a topology change.
// Retryable packets are handed back to the command queue for rerouting
// against the new map; the rest fail with a network error.
func (pl *Pipeline) Drain() {
	pl.lock.Lock()
	if pl.state == StateClosed {
		pl.lock.Unlock()
		return
	}
	prevState := pl.state
	pl.state = StateDraining
	conn := pl.conn
	pl.conn = nil
	pending := pl.pending
	pl.pending = make(map[uint32]*Packet)
	pl.expired = make(map[uint32]struct{})
	fallback := pl.fallback
	pl.fallback = nil
	finch := pl.finch
	pl.finch = make(chan bool)
	pl.drainSendChLocked()
	pl.lock.Unlock()

	if prevState == StateConnected {
		close(finch)
	}
	if conn != nil {
		conn.Close()
	}

	now := time.Now()
	reroute := func(pkt *Packet) {
		if pkt.Data.Retryable && !pkt.Expired(now) && pl.requeueHandler != nil {
			pl.requeueHandler(pkt)
		} else {
			pkt.Data.OnResponse(pkt, nil, base.ErrorNetwork)
		}
	}
	for _, pkt := range pending {
		reroute(pkt)
	}
	for _, pkt := range fallback {
		reroute(pkt)
	}

	pl.lock.Lock()
	pl.state = StateClosed
	pl.lock.Unlock()
}

// Close shuts the pipeline down, failing everything still outstanding.
func (pl *Pipeline) Close() {
	pl.lock.Lock()
	if pl.state == StateClosed {
		pl.lock.Unlock()
		return
	}
	prevState := pl.state
	pl.state = StateClosed
	conn := pl.conn
	pl.conn = nil
	pending := pl.pending
	pl.pending = make(map[uint32]*Packet)
	fallback := pl.fallback
	pl.fallback = nil
	finch := pl.finch
	pl.finch = make(chan bool)
	pl.drainSendChLocked()
	pl.lock.Unlock()

	if prevState == StateConnected {
		close(finch)
	}
	if conn != nil {
		conn.Close()
	}

	for _, pkt := range pending {
		pkt.Data.OnResponse(pkt, nil, base.ErrorRequestCanceled)
	}
	for _, pkt := range fallback {
		pkt.Data.OnResponse(pkt, nil, base.ErrorRequestCanceled)
	}

	pl.childrenWaitGrp.Wait()
}

// PendingCount is exposed for tests and status summaries.
func (pl *Pipeline) PendingCount() int {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	return len(pl.pending) + len(pl.fallback)
}
