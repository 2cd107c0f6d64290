package main

import (
	"fmt"
	"os"

	"github.com/karelmartinek-a11y/kajovo/internal/cascade"
)

func cascadeCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		cascadeRun(args[1:])
	case "save":
		cascadeSave(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func cascadeRun(args []string) {
	var project, definitionPath, inDir, outDir, settingsPath, apiKey, baseURL string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			project = requireFlagValue(args, i, "--project")
		case "--definition":
			i++
			definitionPath = requireFlagValue(args, i, "--definition")
		case "--in":
			i++
			inDir = requireFlagValue(args, i, "--in")
		case "--out":
			i++
			outDir = requireFlagValue(args, i, "--out")
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
	if project == "" || definitionPath == "" || outDir == "" {
		fatalf("cascade run requires --project, --definition, and --out")
	}

	def, err := cascade.LoadDefinitionFile(definitionPath)
	if err != nil {
		fatalf("loading cascade definition: %v", err)
	}

	d, err := buildDeps(settingsPath, apiKey, baseURL)
	if err != nil {
		fatalf("%v", err)
	}
	if d.Receipts != nil {
		defer d.Receipts.Close()
	}

	logDir := d.Settings.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	o := &cascade.Orchestrator{
		Client:  d.Client,
		LogDir:  logDir,
		Policy:  d.Policy,
		Breaker: d.Breaker,
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	result, err := o.Run(ctx, cascade.RunConfig{Project: project, Cascade: def, InDir: inDir, OutDir: outDir})
	if err != nil {
		fatalf("cascade run failed: %v", err)
	}
	fmt.Printf("run %s completed: response_id=%s steps=%d\n", result.RunID, result.ResponseID, len(result.StepResponseIDs))
}

func cascadeSave(args []string) {
	var definitionPath, name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--definition":
			i++
			definitionPath = requireFlagValue(args, i, "--definition")
		case "--name":
			i++
			name = requireFlagValue(args, i, "--name")
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}
	if definitionPath == "" || name == "" {
		fatalf("cascade save requires --definition and --name")
	}
	def, err := cascade.LoadDefinitionFile(definitionPath)
	if err != nil {
		fatalf("loading cascade definition: %v", err)
	}
	def.Name = name
	if err := cascade.SaveDefinitionFile(definitionPath, def); err != nil {
		fatalf("saving cascade definition: %v", err)
	}
	fmt.Printf("saved %s as %q\n", definitionPath, name)
}
