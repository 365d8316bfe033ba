// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFile is the root of the upload-parse error taxonomy: the
	// file could not be turned into data rows (empty, unsupported format,
	// broken header). Fatal for the whole request. The more specific
	// sentinels below wrap it, so errors.Is(err, ErrMalformedFile) covers
	// every parse failure.
	ErrMalformedFile = errors.New("malformed or empty upload file")

	// ErrUnsupportedContentType means the declared content type is neither
	// delimited text nor a spreadsheet.
	ErrUnsupportedContentType = fmt.Errorf("%w: unsupported upload content type", ErrMalformedFile)

	// ErrInvalidStrategy means the confirm request named an unknown
	// conflict-resolution strategy.
	ErrInvalidStrategy = errors.New("invalid reconciliation strategy")

	// ErrJobPending means a confirm with the same idempotency key is already
	// in flight. Callers should back off and retry, not resubmit the body.
	ErrJobPending = errors.New("import job already pending for this idempotency key")

	// ErrDuplicateJob is returned by ImportJobStore.CreatePendingJob when the
	// (requester, collection, key) tuple already has a job row. The tracker
	// translates a lost insert race into ErrJobPending.
	ErrDuplicateJob = errors.New("import job already exists")

	// ErrNoRows means the upload contained no usable data rows after blank
	// filtering.
	ErrNoRows = fmt.Errorf("%w: upload contains no data rows", ErrMalformedFile)

	// ErrGuestNotFound means a mutation targeted a guest id that does not
	// exist in the collection.
	ErrGuestNotFound = errors.New("guest not found")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrGuestNotFound)
}
