// Command scaffold generates the directory structure of a federated project.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/okian/fedlab/internal/scaffold"
	"github.com/okian/fedlab/pkg/logger"
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		os.Stderr.WriteString("scaffold: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func parseFlags(args []string) (scaffold.Options, error) {
	var (
		opts         scaffold.Options
		server, full bool
		classes      string
	)
	fs := flag.NewFlagSet("scaffold", flag.ContinueOnError)
	fs.BoolVar(&server, "server", false, "Only create the shared 'common/' and 'server/' directories")
	fs.BoolVar(&full, "full", false, "Create 'common/', 'server/' and the client folder")
	fs.StringVar(&opts.ClientID, "client-id", scaffold.DefaultClientID, "Client id for the data folder (client_<id>)")
	fs.StringVar(&opts.ClientID, "c", scaffold.DefaultClientID, "Shorthand for -client-id")
	fs.StringVar(&opts.BaseDir, "base-dir", scaffold.DefaultBaseDir, "Base directory to create")
	fs.StringVar(&opts.BaseDir, "b", scaffold.DefaultBaseDir, "Shorthand for -base-dir")
	fs.StringVar(&classes, "classes", strings.Join(scaffold.DefaultClasses, ","), "Comma separated class names")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	mode, err := scaffold.ModeFromFlags(server, full)
	if err != nil {
		return opts, err
	}
	opts.Mode = mode
	opts.Classes = scaffold.ParseClasses(classes)
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if _, err := scaffold.Generate(ctx, opts); err != nil {
		return err
	}
	switch opts.Mode {
	case scaffold.ModeServerOnly:
		fmt.Fprintf(stdout, "Server structure created under '%s/server'\n", opts.BaseDir)
	case scaffold.ModeFull:
		fmt.Fprintf(stdout, "Full structure created under '%s' (client_%s included)\n", opts.BaseDir, opts.ClientID)
	default:
		fmt.Fprintf(stdout, "Client structure created under '%s'\n", opts.ClientDataDir())
	}
	return nil
}
