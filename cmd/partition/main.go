// Command partition samples a zipped class-folder dataset into one client's
// train/test partition.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/fedlab/internal/domain/partition"
	"github.com/okian/fedlab/pkg/logger"
)

// Sampling defaults.
const (
	defaultFraction   = 0.2
	defaultTrainRatio = 0.8
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func parseFlags(args []string) (partition.Request, error) {
	var req partition.Request
	fs := flag.NewFlagSet("partition", flag.ContinueOnError)
	fs.StringVar(&req.Archive, "zip", "", "Path to the zipped dataset (required)")
	fs.StringVar(&req.ClientID, "client-id", "1", "Client id; also seeds the sampling")
	fs.StringVar(&req.BaseDir, "base-dir", partition.DefaultBaseDir, "Base directory for client data")
	fs.Float64Var(&req.Fraction, "fraction", defaultFraction, "Fraction of images per class to sample (0 < f <= 1)")
	fs.Float64Var(&req.TrainRatio, "train-ratio", defaultTrainRatio, "Fraction of sampled images used for training")
	if err := fs.Parse(args); err != nil {
		return req, err
	}
	if req.Archive == "" {
		return req, fmt.Errorf("%w: -zip is required", partition.ErrArchiveNotFound)
	}
	return req, req.Validate()
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	req, err := parseFlags(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ZIP_FILE: %s\n", req.Archive)

	rep, err := partition.New().Run(ctx, req)
	if err != nil {
		return err
	}

	if rep.Existed {
		fmt.Fprintf(stdout, "Directory %s already exists; new images will be added without overwriting.\n", rep.ClientDir)
	} else {
		fmt.Fprintf(stdout, "Created directories at %s.\n", rep.ClientDir)
	}
	names := make([]string, 0, len(rep.Classes))
	for _, c := range rep.Classes {
		names = append(names, c.Name)
	}
	fmt.Fprintf(stdout, "Detected classes (%s layout): %v\n", rep.Layout, names)
	for _, c := range rep.Classes {
		fmt.Fprintf(stdout, "  %s: %d available, %d train, %d test\n", c.Name, c.Available, c.Train, c.Test)
	}
	for _, c := range rep.EmptyClasses {
		fmt.Fprintf(stdout, "Warning: no images in class %q\n", c)
	}
	fmt.Fprintf(stdout, "Copied %d files, skipped %d existing\n", rep.Copied, rep.Skipped)
	fmt.Fprintf(stdout, "Client %s data prepared at %s\n", req.ClientID, rep.ClientDir)
	fmt.Fprintln(stdout, "Dataset split complete.")
	return nil
}
