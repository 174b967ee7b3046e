// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"time"

	mc "github.com/couchbase/gomemcached"
)

// Opcodes the cluster speaks that gomemcached does not name.
const (
	GET_LOCKED = mc.CommandCode(0x94)
)

// Magic for requests carrying framing extras ("alt request").
const (
	ALT_REQ_MAGIC = uint8(0x08)
	ALT_RES_MAGIC = uint8(0x18)
)

// Frame extras object ids.
const (
	FrameObjSyncDurability = uint8(0x01)
)

// Durability levels for synchronous replication.
type DurabilityLevel uint8

const (
	DurabilityLevelNone                     DurabilityLevel = 0x00
	DurabilityLevelMajority                 DurabilityLevel = 0x01
	DurabilityLevelMajorityAndPersistActive DurabilityLevel = 0x02
	DurabilityLevelPersistToMajority        DurabilityLevel = 0x03
)

// Capability flags a server entry in the cluster map may advertise.
type Capability uint32

const (
	CapabilitySnappy Capability = 1 << iota
	CapabilityJSON
	CapabilityMutationTokens
	CapabilitySyncReplication
	CapabilityCollections
)

func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

// Compression mode bits, mirroring the OUT|IN|FORCE wire-compression policy.
type CompressionMode uint8

const (
	CompressNone  CompressionMode = 0x00
	CompressOut   CompressionMode = 0x01
	CompressIn    CompressionMode = 0x02
	CompressForce CompressionMode = 0x04
)

const (
	// MaxKeyLength is the protocol limit on document key size.
	MaxKeyLength = 250

	// DefaultCollectionId is the id of the default collection in the
	// default scope. It needs no resolution.
	DefaultCollectionId = uint32(0)

	DefaultScopeName      = "_default"
	DefaultCollectionName = "_default"
)

const (
	DefaultOperationTimeout   = 2500 * time.Millisecond
	DefaultDurabilityTimeout  = 5 * time.Second
	DefaultDurabilityInterval = 100 * time.Millisecond
	DefaultConnectTimeout     = 10 * time.Second

	// Bounded backoff for TMPFAIL/EBUSY retries.
	RetryBackoffInitial = 10 * time.Millisecond
	RetryBackoffFactor  = 2
	MaxStatusRetries    = 5

	// One silent retry per command after NOT_MY_VBUCKET; the count carries
	// across retry hops, so a second NOT_MY_VBUCKET is not retried.
	MaxVbucketRetries = 1

	DefaultPipelineSendQueueSize = 1024

	DefaultConnectionPoolSize = 5
	DefaultConnectionIdleTime = 60 * time.Second
)

// Observe key states as returned in OBSERVE response entries.
const (
	ObserveStatusFoundNotPersisted = uint8(0x00)
	ObserveStatusPersisted         = uint8(0x01)
	ObserveStatusNotFound          = uint8(0x80)
	ObserveStatusLogicallyDeleted  = uint8(0x81)
)
