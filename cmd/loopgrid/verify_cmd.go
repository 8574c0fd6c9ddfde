package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/cybertechsoft/loopgrid/pkg/config"
)

// runVerifyCmd implements `loopgrid verify`.
//
// Exit codes:
//
//	0 = ledger intact
//	1 = anomalies found
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		service    string
		jsonOutput bool
	)
	cmd.StringVar(&service, "service", "", "Only check hashes of this service's decisions")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(newLogger(cfg, stderr))

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.Close(ctx) }()

	report, err := a.verifier.Verify(ctx, service)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintln(stdout, report.Message)
		_, _ = fmt.Fprintf(stdout, "Checked %d decision(s)\n", report.Total)
		for _, an := range report.Anomalies {
			_, _ = fmt.Fprintf(stdout, "  seq %d: %s %s\n", an.SequenceNumber, an.Kind, an.Detail)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}
