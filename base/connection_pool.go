// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/couchbase/gokvclient/log"
)

// ConnPool hands out connections to one endpoint. Get dials when the idle
// set is empty, Put returns a healthy connection for reuse, Discard closes
// a connection that must not be reused, and Detach removes a connection
// from pool accounting while keeping it alive for a long-running owner.
type ConnPool interface {
	Get() (ConnIface, error)
	Put(conn ConnIface)
	Discard(conn ConnIface)
	Detach(conn ConnIface)
	Name() string
	IsClosed() bool
	ReleaseConnections()
}

type pooledConn struct {
	conn      ConnIface
	idleSince time.Time
}

type connPool struct {
	name     string
	endpoint string
	factory  ConnFactory
	maxIdle  int
	idleTime time.Duration

	lock   sync.Mutex
	idle   []pooledConn
	closed bool

	logger *log.CommonLogger
}

func NewConnPool(name string, endpoint string, factory ConnFactory, maxIdle int, idleTime time.Duration, logger_ctx *log.LoggerContext) ConnPool {
	return &connPool{
		name:     name,
		endpoint: endpoint,
		factory:  factory,
		maxIdle:  maxIdle,
		idleTime: idleTime,
		logger:   log.NewLogger("ConnPool", logger_ctx).ForInstance(name),
	}
}

func (p *connPool) Name() string {
	return p.name
}

func (p *connPool) IsClosed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closed
}

func (p *connPool) Get() (ConnIface, error) {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil, ErrorPoolClosed
	}
	p.evictStale()
	if n := len(p.idle); n > 0 {
		entry := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.lock.Unlock()
		return entry.conn, nil
	}
	p.lock.Unlock()

	conn, err := p.factory(p.endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %v failed to dial %v", p.name, p.endpoint)
	}
	p.logger.Debugf("dialed new connection to %v", p.endpoint)
	return conn, nil
}

func (p *connPool) Put(conn ConnIface) {
	p.lock.Lock()
	if p.closed || len(p.idle) >= p.maxIdle {
		p.lock.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, pooledConn{conn: conn, idleSince: time.Now()})
	p.lock.Unlock()
}

func (p *connPool) Discard(conn ConnIface) {
	conn.Close()
}

func (p *connPool) Detach(conn ConnIface) {
	// the caller takes over the connection's lifetime; nothing to track
	// since idle accounting only covers pooled connections
}

func (p *connPool) ReleaseConnections() {
	p.lock.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.lock.Unlock()

	for _, entry := range idle {
		entry.conn.Close()
	}
}

// evictStale drops idle connections past the idle timeout. Caller holds
// the lock.
func (p *connPool) evictStale() {
	if p.idleTime <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.idleTime)
	kept := p.idle[:0]
	for _, entry := range p.idle {
		if entry.idleSince.Before(cutoff) {
			entry.conn.Close()
		} else {
			kept = append(kept, entry)
		}
	}
	p.idle = kept
}

/******************************************************************
 *
 *  Pool manager
 *
 ******************************************************************/

type connPoolMgr struct {
	conn_pools_map map[string]ConnPool
	map_lock       sync.RWMutex
	logger         *log.CommonLogger
}

var _connPoolMgr = connPoolMgr{
	conn_pools_map: make(map[string]ConnPool),
	logger:         log.NewLogger("ConnPoolMgr", log.DefaultLoggerContext),
}

func ConnPoolMgr() *connPoolMgr {
	return &_connPoolMgr
}

func (mgr *connPoolMgr) GetPool(name string) ConnPool {
	mgr.map_lock.RLock()
	defer mgr.map_lock.RUnlock()
	return mgr.conn_pools_map[name]
}

func (mgr *connPoolMgr) GetOrCreatePool(name string, endpoint string, factory ConnFactory, maxIdle int) ConnPool {
	mgr.map_lock.Lock()
	defer mgr.map_lock.Unlock()
	pool, ok := mgr.conn_pools_map[name]
	if ok && !pool.IsClosed() {
		return pool
	}
	pool = NewConnPool(name, endpoint, factory, maxIdle, DefaultConnectionIdleTime, mgr.logger.LoggerContext())
	mgr.conn_pools_map[name] = pool
	return pool
}

func (mgr *connPoolMgr) RemovePool(name string) {
	mgr.map_lock.Lock()
	pool := mgr.conn_pools_map[name]
	delete(mgr.conn_pools_map, name)
	mgr.map_lock.Unlock()
	if pool != nil {
		pool.ReleaseConnections()
	}
}
