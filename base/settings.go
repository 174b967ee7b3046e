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
)

// Settings is the stateless environment of one client instance. It is
// fixed at instance creation and passed around to the components that
// consume individual knobs.
type Settings struct {
	// UseCollections enables collection-qualified commands. When false the
	// default collection id is used and no resolution traffic is generated.
	UseCollections bool

	// CompressionMode governs wire compression in both directions.
	CompressionMode CompressionMode

	OperationTimeout   time.Duration
	DurabilityTimeout  time.Duration
	DurabilityInterval time.Duration
	ConnectTimeout     time.Duration

	// VbNoGuess disables heuristic routing after NOT_MY_VBUCKET; retries
	// wait for a refreshed cluster map instead.
	VbNoGuess bool
}

func DefaultSettings() *Settings {
	return &Settings{
		UseCollections:     false,
		CompressionMode:    CompressOut | CompressIn,
		OperationTimeout:   DefaultOperationTimeout,
		DurabilityTimeout:  DefaultDurabilityTimeout,
		DurabilityInterval: DefaultDurabilityInterval,
		ConnectTimeout:     DefaultConnectTimeout,
		VbNoGuess:          false,
	}
}

// CommandDeadline computes the absolute deadline for one command. Retries
// are carried out against this deadline and never extend it.
func (s *Settings) CommandDeadline(start time.Time, cmdTimeout time.Duration) time.Time {
	timeout := s.OperationTimeout
	if cmdTimeout > timeout {
		timeout = cmdTimeout
	}
	return start.Add(timeout)
}
