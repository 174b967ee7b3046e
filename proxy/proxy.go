// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package proxy implements the forwarding tool: KV frames pass through
// to the upstream node byte for byte, except STAT requests whose key
// starts with "query " or "search ", which are redirected to the
// corresponding HTTP service and answered as streamed STAT responses.
package proxy

import (
	"io"
	"net"
	"sync"

	mc "github.com/couchbase/gomemcached"
	"github.com/pkg/errors"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/log"
	"github.com/couchbase/gokvclient/wire"
)

const (
	queryPrefix  = "query "
	searchPrefix = "search "
)

// ServiceHandler executes one redirected statement and emits result rows
// through emit. This is the streaming-chunk seam to the HTTP subsystem:
// each emitted chunk becomes one STAT response row.
type ServiceHandler func(statement []byte, emit func(row []byte)) error

type Proxy struct {
	listenAddr   string
	upstreamAddr string

	queryHandler  ServiceHandler
	searchHandler ServiceHandler

	lock        sync.Mutex
	listener    net.Listener
	closed      bool
	connWaitGrp sync.WaitGroup

	logger *log.CommonLogger
}

func NewProxy(listenAddr, upstreamAddr string, queryHandler, searchHandler ServiceHandler, logger_ctx *log.LoggerContext) *Proxy {
	return &Proxy{
		listenAddr:    listenAddr,
		upstreamAddr:  upstreamAddr,
		queryHandler:  queryHandler,
		searchHandler: searchHandler,
		logger:        log.NewLogger("Proxy", logger_ctx).ForInstance(listenAddr),
	}
}

// Start binds the listen port and serves until Stop.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "proxy failed to listen on %v", p.listenAddr)
	}

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		listener.Close()
		return base.ErrorRequestCanceled
	}
	p.listener = listener
	p.lock.Unlock()

	p.logger.Infof("proxy listening on %v, forwarding to %v", p.listenAddr, p.upstreamAddr)

	go p.acceptLoop(listener)
	return nil
}

// Addr reports the bound listen address, useful when port 0 was given.
func (p *Proxy) Addr() net.Addr {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Proxy) Stop() {
	p.lock.Lock()
	p.closed = true
	listener := p.listener
	p.listener = nil
	p.lock.Unlock()

	if listener != nil {
		listener.Close()
	}
	p.connWaitGrp.Wait()
}

func (p *Proxy) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		p.connWaitGrp.Add(1)
		go p.serveClient(conn)
	}
}

func (p *Proxy) serveClient(client net.Conn) {
	defer p.connWaitGrp.Done()
	defer client.Close()

	upstream, err := net.Dial("tcp", p.upstreamAddr)
	if err != nil {
		p.logger.Errorf("failed to dial upstream %v: %v", p.upstreamAddr, err)
		return
	}
	defer upstream.Close()

	// responses stream back untouched
	go func() {
		io.Copy(client, upstream)
		client.Close()
	}()

	// writes to the client interleave redirected STAT responses with
	// upstream traffic
	var writeLock sync.Mutex
	writeClient := func(buf []byte) error {
		writeLock.Lock()
		defer writeLock.Unlock()
		_, werr := client.Write(buf)
		return werr
	}

	hdr := make([]byte, mc.HDR_LEN)
	for {
		if _, err := io.ReadFull(client, hdr); err != nil {
			return
		}
		bodyLen := wire.ResponseBodyLen(hdr)
		frame := make([]byte, mc.HDR_LEN+bodyLen)
		copy(frame, hdr)
		if bodyLen > 0 {
			if _, err := io.ReadFull(client, frame[mc.HDR_LEN:]); err != nil {
				return
			}
		}

		req, _, derr := wire.DecodeRequest(frame[:mc.HDR_LEN], frame[mc.HDR_LEN:])
		if derr == nil && req.Opcode == mc.STAT && p.redirectStat(req, writeClient) {
			continue
		}

		if _, err := upstream.Write(frame); err != nil {
			return
		}
	}
}

// redirectStat reroutes "query "/"search " STAT requests. Returns false
// for ordinary stats, which keep flowing upstream.
func (p *Proxy) redirectStat(req *mc.MCRequest, writeClient func([]byte) error) bool {
	var handler ServiceHandler
	var statement []byte

	key := req.Key
	switch {
	case len(key) >= len(queryPrefix) && string(key[:len(queryPrefix)]) == queryPrefix:
		handler = p.queryHandler
		statement = key[len(queryPrefix):]
	case len(key) >= len(searchPrefix) && string(key[:len(searchPrefix)]) == searchPrefix:
		handler = p.searchHandler
		statement = key[len(searchPrefix):]
	default:
		return false
	}

	if handler == nil {
		p.writeStatRow(req.Opaque, nil, nil, writeClient)
		return true
	}

	err := handler(statement, func(row []byte) {
		p.writeStatRow(req.Opaque, []byte("results"), row, writeClient)
	})
	if err != nil {
		p.logger.Errorf("redirected statement failed: %v", err)
	}

	// the empty STAT response terminates the stream
	p.writeStatRow(req.Opaque, nil, nil, writeClient)
	return true
}

func (p *Proxy) writeStatRow(opaque uint32, key, row []byte, writeClient func([]byte) error) {
	res := &mc.MCResponse{
		Opcode: mc.STAT,
		Opaque: opaque,
		Key:    key,
		Body:   row,
	}
	if err := writeClient(res.Bytes()); err != nil {
		p.logger.Debugf("client write failed: %v", err)
	}
}
