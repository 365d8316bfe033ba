// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

// REST/JSON models for the HTTP API. The preview/confirm pair is the import
// flow; the guest models back the single-row mutation endpoints the offline
// queue replays against.

// PreviewResponse is the dry-run result the user reviews before confirming.
type PreviewResponse = Preview

// ConfirmRow is one row the caller chose to submit. Rows are re-validated
// server-side; the preview payload is never trusted on the way back in.
type ConfirmRow struct {
	FullName    string `json:"full_name"`
	Category    string `json:"category,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
	TableNumber string `json:"table_number,omitempty"`
}

// ConfirmRequest carries the rows plus the duplicate strategy. The
// idempotency key travels in the Idempotency-Key header, not the body.
type ConfirmRequest struct {
	Rows     []ConfirmRow `json:"rows"`
	Strategy string       `json:"strategy"`
}

// ConfirmResponse is the serialized outcome ledger.
type ConfirmResponse = Ledger

// GuestRequest creates a guest through the mutation surface.
type GuestRequest struct {
	FullName    string `json:"full_name"`
	Category    string `json:"category,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
	TableNumber string `json:"table_number,omitempty"`
}

// GuestResponse mirrors a stored guest record.
type GuestResponse struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	Category    string `json:"category,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
	TableNumber string `json:"table_number,omitempty"`
	CheckedIn   bool   `json:"checked_in"`
}

// ChangesResponse is one page of the changed-since feed.
type ChangesResponse struct {
	Changes   []GuestChange `json:"changes"`
	NextAfter int64         `json:"next_after"`
	HasMore   bool          `json:"has_more"`
}

// ErrorResponse is the standardized error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toGuestResponse(r *GuestRecord) GuestResponse {
	return GuestResponse{
		ID:          r.ID,
		FullName:    r.FullName,
		Category:    r.Category,
		Phone:       r.Phone,
		Notes:       r.Notes,
		TableNumber: r.TableNumber,
		CheckedIn:   r.CheckedIn,
	}
}
