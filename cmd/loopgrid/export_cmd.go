package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/cybertechsoft/loopgrid/pkg/artifacts"
	"github.com/cybertechsoft/loopgrid/pkg/config"
)

// runExportCmd implements `loopgrid export`: snapshot the ledger into an
// evidence bundle and write it to a file or an S3 bucket.
//
// Exit codes: 0 exported (even if the ledger is broken; the bundle records
// it), 2 usage or runtime error.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var out, bucket, prefix string
	cmd.StringVar(&out, "out", "", "Write the bundle to this file")
	cmd.StringVar(&bucket, "bucket", "", "Write the bundle to this S3 bucket (defaults to LOOPGRID_EXPORT_BUCKET)")
	cmd.StringVar(&prefix, "prefix", "evidence/", "S3 key prefix")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(newLogger(cfg, stderr))
	if bucket == "" && out == "" {
		bucket = cfg.Export.Bucket
	}
	if (out == "") == (bucket == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --out or --bucket is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.Close(ctx) }()

	bundle, err := artifacts.BuildBundle(ctx, a.store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: build bundle: %v\n", err)
		return 2
	}

	var (
		st   artifacts.Store
		name = bundle.Name()
	)
	if out != "" {
		fs, err := artifacts.NewFileStore(filepath.Dir(out))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		st, name = fs, filepath.Base(out)
	} else {
		s3, err := artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:   bucket,
			Region:   cfg.Export.Region,
			Endpoint: cfg.Export.Endpoint,
			Prefix:   prefix,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		st = s3
	}

	loc, err := artifacts.ExportAs(ctx, st, name, bundle)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d decision(s) to %s\n", bundle.DecisionCount, loc)
	_, _ = fmt.Fprintf(stdout, "Bundle hash: %s\n", bundle.BundleHash)
	if !bundle.Verification.Valid {
		_, _ = fmt.Fprintf(stdout, "Warning: %s\n", bundle.Verification.Message)
	}
	return 0
}
