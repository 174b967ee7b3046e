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

	mc "github.com/couchbase/gomemcached"
	"github.com/golang/snappy"

	"github.com/couchbase/gokvclient/base"
)

// GetResponse is delivered for get, get-and-touch, get-and-lock and
// replica reads.
type GetResponse struct {
	Cookie   interface{}
	Key      []byte
	Cas      uint64
	Flags    uint32
	Datatype uint8
	Value    []byte

	// Final marks the last callback of a replica fan-out.
	Final bool
}

type GetCallback func(resp *GetResponse, err error)

// StoreResponse is delivered for the store family and carries the
// mutation token when the cluster provides them. StoreOk distinguishes
// "the write landed but durability verification failed" from a failed
// write.
type StoreResponse struct {
	Cookie  interface{}
	Key     []byte
	Cas     uint64
	Token   base.MutationToken
	StoreOk bool
}

type StoreCallback func(resp *StoreResponse, err error)

type RemoveResponse struct {
	Cookie interface{}
	Key    []byte
	Cas    uint64
	Token  base.MutationToken
}

type RemoveCallback func(resp *RemoveResponse, err error)

// ObserveResponse is one server's view of one key: its persistence state
// and the CAS it holds. IsMaster marks the entry from the vbucket master.
type ObserveResponse struct {
	Cookie   interface{}
	Key      []byte
	Cas      uint64
	Status   uint8
	IsMaster bool

	// Final marks the synthetic end-of-context callback.
	Final bool
}

type ObserveCallback func(resp *ObserveResponse, err error)

// translateStatus maps a response status onto the typed error a user
// sees. Commands under the default processor never pass the statuses it
// retries (NOT_MY_VBUCKET, TMPFAIL, EBUSY) here; replica reads, observe
// and collection lookups translate every status they receive.
func translateStatus(status mc.Status, op mc.CommandCode, hadCas bool) error {
	switch status {
	case mc.SUCCESS:
		return nil
	case mc.KEY_ENOENT:
		return base.ErrorDocumentNotFound
	case mc.KEY_EEXISTS:
		if op == mc.ADD {
			return base.ErrorDocumentExists
		}
		if hadCas {
			return base.ErrorCasMismatch
		}
		return base.ErrorDocumentExists
	case mc.LOCKED:
		return base.ErrorDocumentLocked
	case mc.E2BIG:
		return base.ErrorValueTooBig
	case mc.EINVAL:
		return base.ErrorInvalidArgument
	case mc.NOT_STORED:
		return base.ErrorNotStored
	case mc.ENOMEM:
		return base.ErrorOutOfMemory
	case mc.TMPFAIL, mc.EBUSY:
		return base.ErrorTemporaryFailure
	case mc.NOT_MY_VBUCKET:
		return base.ErrorNotMyVbucket
	}
	return base.ErrorProtocol
}

// retriableStatus marks statuses the client retries with backoff rather
// than surfacing.
func retriableStatus(status mc.Status) bool {
	return status == mc.TMPFAIL || status == mc.EBUSY
}

// decodeGetValue extracts flags and the (possibly decompressed) value
// from a get-family response.
func decodeGetValue(resp *mc.MCResponse, mode base.CompressionMode) (uint32, uint8, []byte, error) {
	var flags uint32
	if len(resp.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(resp.Extras[0:4])
	}
	value := resp.Body
	datatype := resp.DataType
	if datatype&mc.DatatypeFlagCompressed != 0 && mode&base.CompressIn != 0 {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return 0, 0, nil, base.ErrorProtocol
		}
		value = decoded
		datatype &^= mc.DatatypeFlagCompressed
	}
	return flags, datatype, value, nil
}

// decodeMutationToken pulls the vbucket uuid and seqno that write
// responses carry in their extras on token-enabled buckets.
func decodeMutationToken(resp *mc.MCResponse, vb uint16) base.MutationToken {
	if len(resp.Extras) < 16 {
		return base.MutationToken{}
	}
	return base.MutationToken{
		VbUuid:  binary.BigEndian.Uint64(resp.Extras[0:8]),
		VBucket: vb,
		Seqno:   binary.BigEndian.Uint64(resp.Extras[8:16]),
	}
}

// userKey strips the collection id prefix a packet key carries on the
// wire, recovering the key the user supplied.
func userKey(wireKey []byte, collectionsEnabled bool) []byte {
	if !collectionsEnabled {
		return wireKey
	}
	_, n := base.Uleb128Decode(wireKey)
	return wireKey[n:]
}
