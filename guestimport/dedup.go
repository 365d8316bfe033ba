// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

// Classify partitions validated guests into unique, intra-file duplicates,
// and duplicates of already-stored names. The existing-collection check runs
// first: a name present in the target collection is reported as
// existing_duplicate even when it also repeats inside the upload. Swapping
// that order changes which rows get reported as which duplicate kind, so it
// is load-bearing. Classification is pure: same inputs, same output.
func Classify(guests []ValidatedGuest, existing map[string]struct{}) *Classification {
	freq := make(map[string]int, len(guests))
	for _, g := range guests {
		freq[g.NormalizedName]++
	}

	firstSeen := make(map[string]bool, len(guests))
	rows := make([]ClassifiedGuest, 0, len(guests))
	for _, g := range guests {
		kind := KindUnique
		if _, stored := existing[g.NormalizedName]; stored {
			kind = KindExistingDuplicate
		} else if freq[g.NormalizedName] > 1 {
			// Only repeats beyond the first occurrence are ambiguous; the
			// first occurrence is importable as-is.
			if firstSeen[g.NormalizedName] {
				kind = KindIntraFileDup
			}
		}
		firstSeen[g.NormalizedName] = true
		rows = append(rows, ClassifiedGuest{ValidatedGuest: g, Kind: kind})
	}

	return &Classification{Rows: rows}
}
