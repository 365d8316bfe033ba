// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"fmt"
	"strings"
)

// RawRow is one parsed input row: canonical field name -> raw string value.
// Unrecognized headers are kept verbatim in Fields and ignored downstream.
// Index is the 1-based data row number in the source file (header excluded).
type RawRow struct {
	Index  int
	Fields map[string]string
}

// ValidatedGuest is a row that passed every validation rule.
// NormalizedName (lowercased, whitespace-collapsed) is the sole dedup key
// and is never empty for a row that reaches this stage.
type ValidatedGuest struct {
	RowIndex       int    `json:"row"`
	FullName       string `json:"full_name"`
	Category       string `json:"category,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Notes          string `json:"notes,omitempty"`
	TableNumber    string `json:"table_number,omitempty"`
	NormalizedName string `json:"normalized_name"`
}

// RowError is a single violated validation rule on a single row.
// A row may produce several of these; it never also produces a ValidatedGuest.
type RowError struct {
	RowIndex int    `json:"row"`
	Message  string `json:"message"`
}

// ClassifiedGuest pairs a validated guest with its duplicate classification.
type ClassifiedGuest struct {
	ValidatedGuest
	Kind string `json:"kind"` // unique | intra_file_duplicate | existing_duplicate
}

// Classification is the Duplicate Detector output. Rows keeps the original
// row order; the partition views below never lose the row index, so a caller
// can resubmit the union of "new" and "duplicate" rows deterministically.
type Classification struct {
	Rows []ClassifiedGuest
}

// New returns the rows classified unique, in original order.
func (c *Classification) New() []ClassifiedGuest {
	return c.filter(KindUnique)
}

// ExistingDuplicates returns rows colliding with an already-stored name.
func (c *Classification) ExistingDuplicates() []ClassifiedGuest {
	return c.filter(KindExistingDuplicate)
}

// IntraFileDuplicates returns rows whose normalized name repeats within the
// same upload. These are always rejected at confirm regardless of strategy.
func (c *Classification) IntraFileDuplicates() []ClassifiedGuest {
	return c.filter(KindIntraFileDup)
}

func (c *Classification) filter(kind string) []ClassifiedGuest {
	var out []ClassifiedGuest
	for _, row := range c.Rows {
		if row.Kind == kind {
			out = append(out, row)
		}
	}
	return out
}

// Strategy is the caller's policy for rows classified existing_duplicate.
type Strategy string

const (
	StrategyIgnore Strategy = "ignore"
	StrategyUpdate Strategy = "update"
	StrategyMark   Strategy = "mark"
)

// ParseStrategy validates a wire-level strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyIgnore:
		return StrategyIgnore, nil
	case StrategyUpdate:
		return StrategyUpdate, nil
	case StrategyMark:
		return StrategyMark, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

// RowOutcome is one ledger entry: what happened to one submitted row.
type RowOutcome struct {
	FullName       string `json:"full_name"`
	NormalizedName string `json:"normalized_name"`
	Action         string `json:"action"` // created | updated | skipped | marked | failed
	Reason         string `json:"reason,omitempty"`
	RecordID       string `json:"record_id,omitempty"`
}

// OutcomeCounts aggregates a ledger.
type OutcomeCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Marked  int `json:"marked"`
	Failed  int `json:"failed"`
}

// Ledger is the complete, ordered result of one reconciliation run.
type Ledger struct {
	Outcomes []RowOutcome  `json:"outcomes"`
	Counts   OutcomeCounts `json:"counts"`
}

func (l *Ledger) count(action string) {
	switch action {
	case ActionCreated:
		l.Counts.Created++
	case ActionUpdated:
		l.Counts.Updated++
	case ActionSkipped:
		l.Counts.Skipped++
	case ActionMarked:
		l.Counts.Marked++
	case ActionFailed:
		l.Counts.Failed++
	}
}

// collapseWhitespace trims the string and folds internal whitespace runs
// into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName derives the dedup key: lowercased, whitespace-collapsed.
func NormalizeName(fullName string) string {
	return strings.ToLower(collapseWhitespace(fullName))
}
