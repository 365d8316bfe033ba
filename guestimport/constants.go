// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

// Canonical field names all header aliases normalize into
const (
	FieldFullName    = "full_name"
	FieldCategory    = "category"
	FieldPhone       = "phone"
	FieldNotes       = "notes"
	FieldTableNumber = "table_number"
)

// Row actions recorded in the outcome ledger
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionSkipped = "skipped"
	ActionMarked  = "marked"
	ActionFailed  = "failed"
)

// Failure reasons for ledger rows
const (
	ReasonDuplicateInCSV = "duplicate_in_csv"
	ReasonStorageError   = "storage_error"
)

// Duplicate classification kinds
const (
	KindUnique            = "unique"
	KindIntraFileDup      = "intra_file_duplicate"
	KindExistingDuplicate = "existing_duplicate"
)

// Import job statuses
const (
	JobPending   = "pending"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Change feed page bounds. MaxChangesLimit caps the client-requested page
// size; MaxChangesFetch leaves room for the one-row has_more probe on top
// of the largest page.
const (
	MaxChangesLimit = 1000
	MaxChangesFetch = MaxChangesLimit + 1
)

// Field length caps applied by the validator
const (
	MaxFullNameLen    = 255
	MinFullNameLen    = 2
	MaxCategoryLen    = 50
	MaxPhoneLen       = 20
	MaxNotesLen       = 1000
	MaxTableNumberLen = 20
)
