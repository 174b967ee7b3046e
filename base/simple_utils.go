// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"hash/crc32"
	"time"

	"github.com/couchbase/gokvclient/log"
)

// CbCrc is the protocol-defined key hash. The low bits of the result,
// taken modulo the vbucket count, select the vbucket for a key.
func CbCrc(key []byte) uint32 {
	return crc32.ChecksumIEEE(key) >> 16
}

// VBucketForKey maps raw key bytes onto a vbucket id.
func VBucketForKey(key []byte, numVBuckets int) uint16 {
	return uint16(CbCrc(key) % uint32(numVBuckets))
}

// Uleb128Encode appends the unsigned LEB128 encoding of value to dst.
// Collection ids are carried as a LEB128 prefix of the document key.
func Uleb128Encode(dst []byte, value uint32) []byte {
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if value == 0 {
			return dst
		}
	}
}

// Uleb128Decode reads a LEB128 value from the front of buf and returns it
// together with the number of bytes consumed. A malformed prefix returns
// a zero length.
func Uleb128Decode(buf []byte) (uint32, int) {
	var value uint32
	var shift uint
	for i := 0; i < len(buf); i++ {
		value |= uint32(buf[i]&0x7f) << shift
		if buf[i]&0x80 == 0 {
			return value, i + 1
		}
		shift += 7
		if shift > 28 {
			break
		}
	}
	return 0, 0
}

type ExponentialOpFunc func() error

// ExponentialBackoffExecutor retries op up to maxRetries times, waiting
// initialWait and growing the wait by factor between attempts.
func ExponentialBackoffExecutor(name string, initialWait time.Duration, maxRetries int, factor int, op ExponentialOpFunc, logger *log.CommonLogger) error {
	var err error
	wait := initialWait
	for i := 0; i <= maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		if logger != nil {
			logger.Debugf("%v failed with %v. retry=%v", name, err, i+1)
		}
		time.Sleep(wait)
		wait = wait * time.Duration(factor)
	}
	return err
}

// WaitForTimeoutOrFinishSignal blocks until wait_time passes or finish_ch
// fires, whichever comes first. Returns true if the finish signal fired.
func WaitForTimeoutOrFinishSignal(wait_time time.Duration, finish_ch chan bool) bool {
	ticker := time.NewTicker(wait_time)
	defer ticker.Stop()
	select {
	case <-finish_ch:
		return true
	case <-ticker.C:
		return false
	}
}
