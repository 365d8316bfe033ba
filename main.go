// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🎟️  guestsync - Guest List Import & Offline Check-In Toolkit")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("guestsync provides bulk guest list import with preview/confirm reconciliation")
	fmt.Println("and an offline-first action queue with changed-since watermark refresh.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Check-In Server Example (examples/checkin_server/)")
	fmt.Println("   A complete import + check-in server using Go's net/http package")
	fmt.Println("   Features: JWT auth, CSV/XLSX import preview, idempotent confirm, change feed")
	fmt.Println("   Run: cd examples/checkin_server && go run .")
	fmt.Println()
}
