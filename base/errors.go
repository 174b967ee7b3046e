// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"errors"
)

// Errors surfaced to users, either synchronously from command submission or
// through the operation callback.
var (
	ErrorInvalidArgument  = errors.New("Invalid argument")
	ErrorEmptyKey         = errors.New("Document key must not be empty")
	ErrorKeyTooLong       = errors.New("Document key exceeds maximum length")
	ErrorOptionsConflict  = errors.New("Command options conflict with each other")
	ErrorNoConfiguration  = errors.New("No cluster map has been published yet")
	ErrorNoMatchingServer = errors.New("No server in the cluster map can service the request")
	ErrorTimeout          = errors.New("Operation deadline exceeded")
	ErrorNetwork          = errors.New("Network failure")
	ErrorProtocol         = errors.New("Protocol failure")

	ErrorDocumentNotFound = errors.New("Document not found")
	ErrorDocumentExists   = errors.New("Document already exists")
	ErrorCasMismatch      = errors.New("CAS does not match the current document version")
	ErrorDocumentLocked   = errors.New("Document is locked")
	ErrorTemporaryFailure = errors.New("Temporary failure on server")
	ErrorNotStored        = errors.New("Document was not stored")
	ErrorValueTooBig      = errors.New("Value exceeds maximum size")

	ErrorDurabilityTooMany          = errors.New("Durability requirement exceeds the number of servers that can hold the document")
	ErrorDurabilityNoMutationTokens = errors.New("Sequence number based durability requires mutation tokens, which the bucket does not provide")

	ErrorFeatureUnavailable = errors.New("The cluster or the client configuration does not support this feature")
	ErrorOutOfMemory        = errors.New("Server is out of memory")
	ErrorRequestCanceled    = errors.New("Request was canceled")
	ErrorScheduleFailure    = errors.New("Command could not be scheduled")
)

// Internal error conditions. These never reach the user callback directly;
// they are translated by the response processors first.
var (
	ErrorNotMyVbucket      = errors.New("NOT_MY_VBUCKET")
	ErrorConnectionClosed  = errors.New("Connection is closed")
	ErrorPipelineClosed    = errors.New("Pipeline is closed")
	ErrorUnknownOpaque     = errors.New("Response opaque does not match any pending request")
	ErrorMalformedPacket   = errors.New("Malformed packet")
	ErrorMissingSchedEnter = errors.New("Scheduling outside of an enter/leave block")
	ErrorPoolClosed        = errors.New("Connection pool is closed")
	ErrorObserveNoEntry    = errors.New("Observe response carries no entry for the key")
)
