package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/karelmartinek-a11y/kajovo/internal/pipeline"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
)

func pipelineCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		pipelineRun(args[1:])
	case "apply-batch":
		pipelineApplyBatch(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func pipelineRun(args []string) {
	var project, mode, prompt, inDir, outDir, model, settingsPath, apiKey, baseURL string
	var sendAsBatch, useFileSearch bool
	var temperature float64

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--batch":
			sendAsBatch = true
		case "--file-search":
			useFileSearch = true
		case "--project":
			i++
			project = requireFlagValue(args, i, "--project")
		case "--mode":
			i++
			mode = strings.ToUpper(requireFlagValue(args, i, "--mode"))
		case "--prompt":
			i++
			prompt = requireFlagValue(args, i, "--prompt")
		case "--in":
			i++
			inDir = requireFlagValue(args, i, "--in")
		case "--out":
			i++
			outDir = requireFlagValue(args, i, "--out")
		case "--model":
			i++
			model = requireFlagValue(args, i, "--model")
		case "--temperature":
			i++
			v := requireFlagValue(args, i, "--temperature")
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fatalf("--temperature: %v", err)
			}
			temperature = parsed
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
	if project == "" || mode == "" || outDir == "" {
		fatalf("pipeline run requires --project, --mode, and --out")
	}

	d, err := buildDeps(settingsPath, apiKey, baseURL)
	if err != nil {
		fatalf("%v", err)
	}
	if d.Receipts != nil {
		defer d.Receipts.Close()
	}

	if model == "" {
		model = d.Settings.DefaultModel
	}
	if temperature == 0 {
		temperature = d.Settings.DefaultTemperature
	}

	logDir := d.Settings.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	o := &pipeline.Orchestrator{
		Client:     d.Client,
		Settings:   d.Settings,
		Receipts:   d.Receipts,
		PriceTable: d.PriceTable,
		LogDir:     logDir,
		Policy:     d.Policy,
		Breaker:    d.Breaker,
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	cfg := pipeline.RunConfig{
		Project:       project,
		Prompt:        prompt,
		Mode:          pipeline.Mode(mode),
		SendAsBatch:   sendAsBatch,
		Model:         model,
		Temperature:   temperature,
		InDir:         inDir,
		OutDir:        outDir,
		UseFileSearch: useFileSearch,
	}
	result, err := o.Run(ctx, cfg)
	if err != nil {
		fatalf("pipeline run failed: %v", err)
	}
	fmt.Printf("run %s completed: response_id=%s batch_id=%s files_written=%d\n",
		result.RunID, result.ResponseID, result.BatchID, len(result.FilesWritten))
}

func pipelineApplyBatch(args []string) {
	var logsRoot, outDir, runID, project string
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			logsRoot = requireFlagValue(args, i, "--logs-root")
		case "--out":
			i++
			outDir = requireFlagValue(args, i, "--out")
		case "--run-id":
			i++
			runID = requireFlagValue(args, i, "--run-id")
		case "--project":
			i++
			project = requireFlagValue(args, i, "--project")
		default:
			positional = append(positional, args[i])
		}
	}
	if logsRoot == "" || outDir == "" || len(positional) != 1 {
		fatalf("pipeline apply-batch requires --logs-root, --out, and a batch output .jsonl path")
	}

	data, err := os.ReadFile(positional[0])
	if err != nil {
		fatalf("reading %s: %v", positional[0], err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	if runID == "" {
		runID = runlog.NewRunID()
	}
	logger, err := runlog.New(logsRoot, runID, project)
	if err != nil {
		fatalf("starting run logger: %v", err)
	}

	written, err := pipeline.ApplyBatchOutput(logger, outDir, lines)
	if err != nil {
		fatalf("applying batch output: %v", err)
	}
	fmt.Printf("wrote %d file(s) from batch output\n", len(written))
	for _, path := range written {
		fmt.Println(path)
	}
}
