package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/pricing"
)

func pricingCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "refresh":
		pricingRefresh(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func pricingRefresh(args []string) {
	var url, settingsPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--url":
			i++
			url = requireFlagValue(args, i, "--url")
		case "--settings":
			i++
			settingsPath = requireFlagValue(args, i, "--settings")
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}
	if url == "" {
		fatalf("pricing refresh requires --url")
	}

	settings, err := loadSettings(settingsPath)
	if err != nil {
		fatalf("loading settings: %v", err)
	}
	cacheDir := settings.CacheDir
	if cacheDir == "" {
		cacheDir = "."
	}
	table := pricing.NewTable(filepath.Join(cacheDir, "pricing.json"))
	_ = table.LoadCache()

	ok, source := table.RefreshFromURL(url, 30*time.Second)
	if err := table.SaveCache(); err != nil {
		fatalf("saving pricing cache: %v", err)
	}
	fmt.Printf("refreshed=%t source=%s\n", ok, source)
}
