package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/karelmartinek-a11y/kajovo/internal/config"
)

func configCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "init":
		configInit(args[1:])
	case "show":
		configShow(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func configInit(args []string) {
	if len(args) < 1 {
		fatalf("config init requires a path")
	}
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		fatalf("%s already exists", path)
	}
	if err := config.Save(path, config.Defaults()); err != nil {
		fatalf("writing %s: %v", path, err)
	}
	fmt.Printf("wrote default settings to %s\n", path)
}

func configShow(args []string) {
	if len(args) < 1 {
		fatalf("config show requires a path")
	}
	settings, err := config.Load(args[0])
	if err != nil {
		fatalf("loading %s: %v", args[0], err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		fatalf("encoding settings: %v", err)
	}
	fmt.Println(string(data))
}
