// Command importofx loads an OFX/QFX statement into a budget account.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/envelope-budget/backend/internal/ledger"
	"github.com/envelope-budget/backend/internal/ofx"
	"github.com/envelope-budget/backend/internal/store/sqlstore"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("EB_DSN"), "Database DSN (postgres://... or SQLite path)")
		budgetID  = flag.String("budget", "", "Budget id")
		accountID = flag.String("account", "", "Account id to import into")
		titleCase = flag.Bool("title-payees", true, "Normalize all-caps statement payees to title case")
		listOnly  = flag.Bool("dry-run", false, "Parse and print the statement without importing")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("usage: importofx [flags] statement.ofx")
	}
	path := flag.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	records, err := ofx.Parse(f)
	if err != nil {
		log.Fatalf("parse %s: %v", path, err)
	}
	if *titleCase {
		for i := range records {
			records[i].PayeeName = ofx.TitlePayee(records[i].PayeeName)
		}
	}

	if *listOnly {
		for _, rec := range records {
			log.Printf("%s  %s  %10s  %s",
				rec.ExternalID, rec.Date.Format("2006-01-02"), rec.Amount.StringFixed(2), rec.PayeeName)
		}
		log.Printf("%d records parsed", len(records))
		return
	}

	if *dsn == "" || *budgetID == "" || *accountID == "" {
		log.Fatal("missing -dsn, -budget, or -account")
	}

	store, err := sqlstore.Open(*dsn)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := store.BulkImport(ctx, *budgetID, *accountID, records)
	if err != nil {
		log.Fatalf("import: %v", err)
	}

	printSummary(result)
	if len(result.Failures) > 0 {
		os.Exit(1)
	}
}

func printSummary(result ledger.ImportResult) {
	color.Green("created:    %d", len(result.CreatedIDs))
	color.Yellow("duplicates: %d", len(result.DuplicateIDs))
	if len(result.Failures) == 0 {
		return
	}
	color.Red("failed:     %d", len(result.Failures))
	for _, f := range result.Failures {
		id := f.ExternalID
		if id == "" {
			id = "(no id)"
		}
		color.Red("  %s: %s", id, f.Reason)
	}
}
