// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"fmt"
	"net"
	"time"
)

// CollectionNamespace qualifies a document key with its scope and
// collection names.
type CollectionNamespace struct {
	ScopeName      string
	CollectionName string
}

func DefaultCollectionNamespace() CollectionNamespace {
	return CollectionNamespace{ScopeName: DefaultScopeName, CollectionName: DefaultCollectionName}
}

// IsDefault is true for the default collection in the default scope, and
// for the zero value, which addresses the same collection.
func (c CollectionNamespace) IsDefault() bool {
	if c.ScopeName == "" && c.CollectionName == "" {
		return true
	}
	return c.ScopeName == DefaultScopeName && c.CollectionName == DefaultCollectionName
}

func (c CollectionNamespace) String() string {
	return fmt.Sprintf("%v.%v", c.ScopeName, c.CollectionName)
}

// MutationToken is attached to write acknowledgments when the cluster
// advertises mutation tokens. It enables sequence number based durability
// verification.
type MutationToken struct {
	VbUuid  uint64
	VBucket uint16
	Seqno   uint64
}

func (m MutationToken) IsSet() bool {
	return m.VbUuid != 0 || m.Seqno != 0
}

// ConnIface is the connection primitive the pipeline drives. The real
// implementation wraps a TCP connection; tests substitute in-memory fakes.
type ConnIface interface {
	Write(buf []byte) (int, error)
	Read(buf []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ConnFactory dials one connection to the given endpoint.
type ConnFactory func(endpoint string) (ConnIface, error)

// TCPConnFactory returns a ConnFactory dialing plain TCP with the given
// connect timeout.
func TCPConnFactory(connectTimeout time.Duration) ConnFactory {
	return func(endpoint string) (ConnIface, error) {
		conn, err := net.DialTimeout("tcp", endpoint, connectTimeout)
		if err != nil {
			return nil, err
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if ok {
			tcpConn.SetNoDelay(true)
		}
		return conn, nil
	}
}
