package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache"
)

func proberCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "probe":
		proberProbe(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func proberProbe(args []string) {
	var model, settingsPath, apiKey, baseURL string
	var skipFileSearch bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--skip-file-search":
			skipFileSearch = true
		case "--model":
			i++
			model = requireFlagValue(args, i, "--model")
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
	if model == "" {
		fatalf("prober probe requires --model")
	}

	d, err := buildDeps(settingsPath, apiKey, baseURL)
	if err != nil {
		fatalf("%v", err)
	}
	if d.Receipts != nil {
		defer d.Receipts.Close()
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	var assets capcache.ScratchAssets
	if !skipFileSearch {
		assets, err = capcache.EnsureScratchAssets(ctx, d.Client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: file-search probe disabled: %v\n", err)
		}
	}

	prober := capcache.NewProber(d.Client)
	record := prober.Probe(ctx, model, assets)

	cacheDir := d.Settings.CacheDir
	if cacheDir == "" {
		cacheDir = "."
	}
	cache := capcache.NewCache(filepath.Join(cacheDir, "model_caps.json"), 30*24*time.Hour)
	if err := cache.Load(); err != nil {
		fatalf("loading capability cache: %v", err)
	}
	if err := cache.Put(record); err != nil {
		fatalf("saving capability cache: %v", err)
	}

	fmt.Printf("%s: ok_basic=%t continuation=%s temperature=%s tools=%s file_search=%s vector_store=%s\n",
		model, record.OkBasic,
		record.SupportsContinuation.Kind, record.SupportsTemperature.Kind, record.SupportsTools.Kind,
		record.SupportsFileSearch.Kind, record.SupportsVectorStore.Kind)
}
