package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/karelmartinek-a11y/kajovo/internal/version"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("kajovo %s\n", version.Version)
		os.Exit(0)
	case "config":
		configCmd(os.Args[2:])
	case "secret":
		secretCmd(os.Args[2:])
	case "pipeline":
		pipelineCmd(os.Args[2:])
	case "cascade":
		cascadeCmd(os.Args[2:])
	case "prober":
		proberCmd(os.Args[2:])
	case "pricing":
		pricingCmd(os.Args[2:])
	case "receipts":
		receiptsCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  kajovo --version")
	fmt.Fprintln(os.Stderr, "  kajovo config init <path>")
	fmt.Fprintln(os.Stderr, "  kajovo config show <path>")
	fmt.Fprintln(os.Stderr, "  kajovo secret set <key> <value>")
	fmt.Fprintln(os.Stderr, "  kajovo secret get <key>")
	fmt.Fprintln(os.Stderr, "  kajovo pipeline run --project <name> --mode GENERATE|MODIFY|QA|QFILE|BATCH --prompt <text> --out <dir> [--in <dir>] [--model <model>] [--batch] [--settings <file>] [--api-key <key>] [--base-url <url>]")
	fmt.Fprintln(os.Stderr, "  kajovo pipeline apply-batch --logs-root <dir> --out <dir> <batch_output.jsonl>")
	fmt.Fprintln(os.Stderr, "  kajovo cascade run --project <name> --definition <file.json> --out <dir> [--in <dir>] [--settings <file>] [--api-key <key>] [--base-url <url>]")
	fmt.Fprintln(os.Stderr, "  kajovo cascade save --definition <file.json> --name <name>")
	fmt.Fprintln(os.Stderr, "  kajovo prober probe --model <model> [--settings <file>] [--api-key <key>] [--base-url <url>]")
	fmt.Fprintln(os.Stderr, "  kajovo pricing refresh --url <url> [--settings <file>]")
	fmt.Fprintln(os.Stderr, "  kajovo receipts list [--settings <file>]")
	fmt.Fprintln(os.Stderr, "  kajovo audit run --price-url <url> [--settings <file>] [--api-key <key>] [--base-url <url>]")
}
