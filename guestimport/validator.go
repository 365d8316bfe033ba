// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidateRows applies per-field rules to every raw row in original order.
// Rows that violate any rule contribute one RowError per violated rule (not
// just the first) and are excluded from the returned guests. Only canonical
// fields survive this stage; passthrough headers are dropped here.
func ValidateRows(rows []RawRow) ([]ValidatedGuest, []RowError) {
	var guests []ValidatedGuest
	var errs []RowError

	for _, row := range rows {
		guest, rowErrs := validateRow(row)
		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
			continue
		}
		guests = append(guests, guest)
	}

	return guests, errs
}

func validateRow(row RawRow) (ValidatedGuest, []RowError) {
	var errs []RowError
	fail := func(format string, args ...any) {
		errs = append(errs, RowError{RowIndex: row.Index, Message: fmt.Sprintf(format, args...)})
	}

	fullName := collapseWhitespace(row.Fields[FieldFullName])
	if fullName == "" {
		fail("full name is required")
	} else if utf8.RuneCountInString(fullName) < MinFullNameLen {
		fail("full name must have at least %d characters", MinFullNameLen)
	}
	if utf8.RuneCountInString(fullName) > MaxFullNameLen {
		fail("full name exceeds %d characters", MaxFullNameLen)
	}

	category := strings.TrimSpace(row.Fields[FieldCategory])
	if utf8.RuneCountInString(category) > MaxCategoryLen {
		fail("category exceeds %d characters", MaxCategoryLen)
	}

	notes := strings.TrimSpace(row.Fields[FieldNotes])
	if utf8.RuneCountInString(notes) > MaxNotesLen {
		fail("notes exceed %d characters", MaxNotesLen)
	}

	tableNumber := strings.TrimSpace(row.Fields[FieldTableNumber])
	if utf8.RuneCountInString(tableNumber) > MaxTableNumberLen {
		fail("table number exceeds %d characters", MaxTableNumberLen)
	}

	phone := normalizePhone(row.Fields[FieldPhone])

	if len(errs) > 0 {
		return ValidatedGuest{}, errs
	}

	return ValidatedGuest{
		RowIndex:       row.Index,
		FullName:       fullName,
		Category:       category,
		Phone:          phone,
		Notes:          notes,
		TableNumber:    tableNumber,
		NormalizedName: NormalizeName(fullName),
	}, nil
}

// normalizePhone coerces a phone value to digits only and caps it at
// MaxPhoneLen. Formatting characters are not an error, just noise.
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	// Cap by runes: IsDigit admits multibyte digit scripts, and a byte
	// slice could cut one of them in half
	digits := []rune(b.String())
	if len(digits) > MaxPhoneLen {
		digits = digits[:MaxPhoneLen]
	}
	return string(digits)
}
