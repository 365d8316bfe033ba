// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPImportHandlers provides HTTP handlers for the import flow and the
// single-guest mutation API. Routes carry the collection in a {collectionID}
// path segment (Go 1.22 mux patterns).
type HTTPImportHandlers struct {
	service       *ImportService
	guests        GuestMutationStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPImportHandlers creates a new instance of import handlers.
func NewHTTPImportHandlers(service *ImportService, guests GuestMutationStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPImportHandlers {
	return &HTTPImportHandlers{
		service:       service,
		guests:        guests,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandlePreview accepts a multipart upload ("file" part) and returns the
// classified preview without writing anything.
func (h *HTTPImportHandlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	collectionID := r.PathValue("collectionID")
	if collectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing collection id")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read upload")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFromFilename(header.Filename)
	}

	preview, err := h.service.PreviewUpload(r.Context(), collectionID, data, contentType)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedContentType):
			h.writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Upload must be CSV or XLSX")
		case errors.Is(err, ErrMalformedFile):
			h.writeError(w, http.StatusBadRequest, "malformed_file", err.Error())
		default:
			h.logger.Error("Failed to compute import preview", "error", err, "collection_id", collectionID, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "preview_failed", "Failed to compute preview")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(preview); err != nil {
		h.logger.Error("Failed to encode preview response", "error", err, "collection_id", collectionID)
	}
}

// HandleConfirm applies previously previewed rows. The Idempotency-Key header
// is optional; when present, retries with the same key replay the stored
// result byte for byte.
func (h *HTTPImportHandlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	collectionID := r.PathValue("collectionID")
	if collectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing collection id")
		return
	}

	var confirmReq ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&confirmReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse confirm request")
		return
	}

	strategy, err := ParseStrategy(confirmReq.Strategy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_strategy", err.Error())
		return
	}

	// Re-validate server-side; the preview payload round-trips through the
	// client and is not trusted.
	rows := make([]RawRow, 0, len(confirmReq.Rows))
	for i, cr := range confirmReq.Rows {
		rows = append(rows, RawRow{Index: i + 1, Fields: map[string]string{
			FieldFullName:    cr.FullName,
			FieldCategory:    cr.Category,
			FieldPhone:       cr.Phone,
			FieldNotes:       cr.Notes,
			FieldTableNumber: cr.TableNumber,
		}})
	}
	guests, rowErrs := ValidateRows(rows)
	if len(rowErrs) > 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_rows", rowErrs[0].Message)
		return
	}

	result, err := h.service.Confirm(r.Context(), ConfirmParams{
		RequesterID:    userID,
		CollectionID:   collectionID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Rows:           guests,
		Strategy:       strategy,
	})
	if err != nil {
		if errors.Is(err, ErrJobPending) {
			h.writeError(w, http.StatusConflict, "import_in_progress", "An import with this idempotency key is already in progress")
			return
		}
		h.logger.Error("Failed to confirm import", "error", err, "collection_id", collectionID, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "confirm_failed", "Failed to apply import")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(result); err != nil {
		h.logger.Error("Failed to write confirm response", "error", err, "collection_id", collectionID)
	}
}

// HandleCreateGuest creates a single guest record.
func (h *HTTPImportHandlers) HandleCreateGuest(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	collectionID := r.PathValue("collectionID")
	if collectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing collection id")
		return
	}

	var guestReq GuestRequest
	if err := json.NewDecoder(r.Body).Decode(&guestReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse guest request")
		return
	}

	row := RawRow{Index: 1, Fields: map[string]string{
		FieldFullName:    guestReq.FullName,
		FieldCategory:    guestReq.Category,
		FieldPhone:       guestReq.Phone,
		FieldNotes:       guestReq.Notes,
		FieldTableNumber: guestReq.TableNumber,
	}}
	guests, rowErrs := ValidateRows([]RawRow{row})
	if len(rowErrs) > 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_guest", rowErrs[0].Message)
		return
	}
	g := guests[0]

	record, err := h.guests.CreateGuest(r.Context(), collectionID, GuestFields{
		FullName:       g.FullName,
		NormalizedName: g.NormalizedName,
		Category:       g.Category,
		Phone:          g.Phone,
		Notes:          g.Notes,
		TableNumber:    g.TableNumber,
	})
	if err != nil {
		h.logger.Error("Failed to create guest", "error", err, "collection_id", collectionID, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create guest")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err = json.NewEncoder(w).Encode(toGuestResponse(record)); err != nil {
		h.logger.Error("Failed to encode guest response", "error", err, "guest_id", record.ID)
	}
}

// HandleDeleteGuest removes a guest record.
func (h *HTTPImportHandlers) HandleDeleteGuest(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	collectionID := r.PathValue("collectionID")
	guestID := r.PathValue("guestID")
	if collectionID == "" || guestID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing collection or guest id")
		return
	}

	if err := h.guests.DeleteGuest(r.Context(), collectionID, guestID); err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "guest_not_found", "No such guest")
			return
		}
		h.logger.Error("Failed to delete guest", "error", err, "guest_id", guestID, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete guest")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleCheckIn marks a guest as checked in.
func (h *HTTPImportHandlers) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	h.setCheckedIn(w, r, true)
}

// HandleUndoCheckIn reverts a guest to not checked in.
func (h *HTTPImportHandlers) HandleUndoCheckIn(w http.ResponseWriter, r *http.Request) {
	h.setCheckedIn(w, r, false)
}

func (h *HTTPImportHandlers) setCheckedIn(w http.ResponseWriter, r *http.Request, checkedIn bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	collectionID := r.PathValue("collectionID")
	guestID := r.PathValue("guestID")
	if collectionID == "" || guestID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing collection or guest id")
		return
	}

	record, err := h.guests.SetCheckedIn(r.Context(), collectionID, guestID, checkedIn)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "guest_not_found", "No such guest")
			return
		}
		h.logger.Error("Failed to update check-in state", "error", err, "guest_id", guestID, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "checkin_failed", "Failed to update check-in state")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(toGuestResponse(record)); err != nil {
		h.logger.Error("Failed to encode guest response", "error", err, "guest_id", guestID)
	}
}

// HandleChanges serves the changed-since feed clients poll with their
// watermark after replaying queued actions.
func (h *HTTPImportHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	collectionID := r.PathValue("collectionID")
	if collectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing collection id")
		return
	}

	after := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsedAfter, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsedAfter < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		after = parsedAfter
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit < 1 || parsedLimit > MaxChangesLimit {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	// Fetch one extra row to compute has_more without a second query.
	changes, nextAfter, err := h.guests.ChangesSince(r.Context(), collectionID, after, limit+1)
	if err != nil {
		h.logger.Error("Failed to fetch change feed", "error", err, "collection_id", collectionID, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "changes_failed", "Failed to fetch changes")
		return
	}

	hasMore := false
	if len(changes) > limit {
		changes = changes[:limit]
		nextAfter = changes[len(changes)-1].Seq
		hasMore = true
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(ChangesResponse{
		Changes:   changes,
		NextAfter: nextAfter,
		HasMore:   hasMore,
	}); err != nil {
		h.logger.Error("Failed to encode changes response", "error", err, "collection_id", collectionID)
	}
}

// writeError writes a standardized error response
func (h *HTTPImportHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func contentTypeFromFilename(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".xlsx"):
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case strings.HasSuffix(strings.ToLower(name), ".csv"):
		return "text/csv"
	default:
		return ""
	}
}
