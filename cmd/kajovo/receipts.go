package main

import (
	"fmt"
	"os"

	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
)

func receiptsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		receiptsList(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func receiptsList(args []string) {
	var settingsPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			i++
			settingsPath = requireFlagValue(args, i, "--settings")
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}

	settings, err := loadSettings(settingsPath)
	if err != nil {
		fatalf("loading settings: %v", err)
	}
	if settings.DBPath == "" {
		fatalf("settings do not configure a receipt database path")
	}

	db, err := receiptstore.Open(settings.DBPath)
	if err != nil {
		fatalf("opening receipt store: %v", err)
	}
	defer db.Close()

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	receipts, err := db.Query(ctx)
	if err != nil {
		fatalf("querying receipts: %v", err)
	}
	for _, r := range receipts {
		fmt.Printf("%s\t%s\t%s\t%s\t%.4f\n", r.RunID, r.Project, r.Mode, r.Model, r.TotalCost)
	}
}
