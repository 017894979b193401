// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
)

func main() {
	fmt.Println("📖 biblesync - Offline Bible Content Cache")
	fmt.Println("==========================================")
	fmt.Println()
	fmt.Println("biblesync pulls Bible content tables from Postgres (directly or through PostgREST)")
	fmt.Println("into a local SQLite database, incrementally and resumably, and reads from it.")
	fmt.Println()

	fmt.Printf("🗄️  Local schema version: %d\n", localdb.SchemaVersion)
	fmt.Println("🔄 Synced tables, in sync order:")
	for i, t := range model.SyncedTables {
		fmt.Printf("   %d. %s\n", i+1, t)
	}
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println("   localdb     connection manager, migrations, query primitives")
	fmt.Println("   syncengine  per-table pull sync with a (updated_at, id) cursor")
	fmt.Println("   remote      PostgREST and Postgres page sources")
	fmt.Println("   query       filtered reads and joins over the local cache")
	fmt.Println()

	fmt.Println("💻 Command line example (examples/biblesync/)")
	fmt.Println("   Run: go run ./examples/biblesync --help")
	fmt.Println()
}
