package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/pricingaudit"
)

func auditCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		auditRun(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func auditRun(args []string) {
	var priceURL, settingsPath, apiKey, baseURL string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--price-url":
			i++
			priceURL = requireFlagValue(args, i, "--price-url")
		case "--settings":
			i++
			settingsPath = requireFlagValue(args, i, "--settings")
		case "--api-key":
			i++
			apiKey = requireFlagValue(args, i, "--api-key")
		case "--base-url":
			i++
			baseURL = requireFlagValue(args, i, "--base-url")
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}

	d, err := buildDeps(settingsPath, apiKey, baseURL)
	if err != nil {
		fatalf("%v", err)
	}
	if d.Receipts == nil {
		fatalf("settings do not configure a receipt database path")
	}
	defer d.Receipts.Close()

	logDir := d.Settings.LogDir
	if logDir == "" {
		logDir = "LOG"
	}

	auditor := &pricingaudit.Auditor{
		LogDir:       logDir,
		PriceTable:   d.PriceTable,
		Receipts:     d.Receipts,
		PriceURL:     priceURL,
		PriceTTL:     24 * time.Hour,
		RemoteClient: d.Client,
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	summary := auditor.Audit(ctx)
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fatalf("encoding audit summary: %v", err)
	}
	fmt.Println(string(data))
}
