package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jverney/dustprobe/internal/accessory"
	"github.com/jverney/dustprobe/internal/correlate"
)

func main() {
	catalogPath := flag.String("catalog", "", "accessory catalog file (defaults to the built-in templates)")
	workers := flag.Int("workers", 0, "parse workers (0 = default)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) > 2 {
		usage()
		os.Exit(2)
	}

	reader := bufio.NewReader(os.Stdin)
	inputDir := argOrPrompt(args, 0, reader, "Snapshot directory: ")
	outputFile := argOrPrompt(args, 1, reader, "Report output file: ")
	if inputDir == "" || outputFile == "" {
		usage()
		os.Exit(2)
	}

	catalog := accessory.Defaults()
	if *catalogPath != "" {
		loaded, err := accessory.NewFile(*catalogPath, time.Now).Load()
		if err != nil {
			fatal("load catalog", err)
		}
		catalog = loaded
	}

	cfg := correlate.DefaultConfig()
	if *workers > 0 {
		cfg.Workers = *workers
	}

	report, err := correlate.New(cfg).Run(context.Background(), inputDir, catalog)
	if err != nil {
		fatal("analyze", err)
	}

	report.Render(os.Stdout)
	if err := report.WriteJSON(outputFile); err != nil {
		fatal("write report", err)
	}
	fmt.Printf("report written to %s\n", outputFile)
}

func argOrPrompt(args []string, index int, reader *bufio.Reader, prompt string) string {
	if index < len(args) {
		return strings.TrimSpace(args[index])
	}
	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(line)
}

func usage() {
	fmt.Println("dustprobe-analyze [flags] <snapshot-dir> <report-file>")
	fmt.Println("")
	fmt.Println("Correlates persisted telemetry snapshots offline: change frequency")
	fmt.Println("per byte position, accessory template matches, and the baseline vs")
	fmt.Println("post-cleaning diff. Missing arguments are prompted for.")
	fmt.Println("")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
