// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package wire

import (
	"encoding/binary"
	"time"

	"github.com/couchbase/gokvclient/base"
)

// SyncDurabilityFrameExtras builds the framing extras object requesting
// server-side durability. One object: id and length packed into the lead
// byte, the level, and a two byte timeout in milliseconds.
func SyncDurabilityFrameExtras(level base.DurabilityLevel, timeout time.Duration) []byte {
	fx := make([]byte, 4)
	fx[0] = base.FrameObjSyncDurability<<4 | 3
	fx[1] = byte(level)
	binary.BigEndian.PutUint16(fx[2:4], DurabilityTimeoutMillis(timeout))
	return fx
}

// DurabilityTimeoutMillis converts the command deadline budget into the
// millisecond timeout the server enforces. The server gets slightly less
// than the full budget so its answer can still reach the client before
// the client-side deadline fires.
func DurabilityTimeoutMillis(timeout time.Duration) uint16 {
	ms := timeout.Milliseconds() * 9 / 10
	if ms <= 0 {
		ms = 1
	}
	if ms > 0xffff {
		ms = 0xffff
	}
	return uint16(ms)
}

// CollectionKey prefixes key with the LEB128 encoding of cid. The default
// collection on a cluster without collection support keeps the raw key.
func CollectionKey(cid uint32, key []byte, collectionsEnabled bool) []byte {
	if !collectionsEnabled {
		return key
	}
	prefixed := base.Uleb128Encode(make([]byte, 0, len(key)+5), cid)
	return append(prefixed, key...)
}
