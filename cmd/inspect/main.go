// Command inspect prints the raw relay store as a table. It opens the store
// read only, so it can run next to a live relay.
package main

import (
	"chat-relay/internal"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
)

func main() {
	_ = godotenv.Load()
	defaultPath := os.Getenv("BADGER_FILEPATH")
	if defaultPath == "" {
		defaultPath = database.DefaultPath
	}
	dbPath := flag.String("db", defaultPath, "Path to badger DB")
	prefix := flag.String("prefix", "conv:", "Prefix to scan (conv:, pair:, member:, msg:, mid:, age:, att:, unread:, audit:, session:, blacklist:)")
	limit := flag.Int("limit", 0, "Maximum number of rows, 0 for all")
	width := flag.Int("width", 80, "Detail column width")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	rows, err := internal.Scan(db, *prefix, *limit)
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Type", "Size", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	for _, row := range rows {
		table.Append([]string{row.Key, row.Type, fmt.Sprint(row.Size), truncate(row.Detail, *width)})
	}
	table.Render()
	fmt.Printf("%d row(s) under %q\n", len(rows), *prefix)
}

func truncate(detail string, width int) string {
	detail = strings.ReplaceAll(detail, "\n", " ")
	if width <= 0 || len([]rune(detail)) <= width {
		return detail
	}
	return string([]rune(detail)[:width-1]) + "…"
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil && strings.Contains(err.Error(), "Log truncate required") {
		// A crashed relay leaves a value log that only a writable open repairs.
		repaired, repairErr := badger.Open(badger.DefaultOptions(path).WithLogger(nil).WithBypassLockGuard(true))
		if repairErr != nil {
			return nil, fmt.Errorf("repair failed: %w", repairErr)
		}
		_ = repaired.Close()
		return badger.Open(opts)
	}
	return db, err
}
