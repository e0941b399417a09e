// Command ping checks raw TCP reachability between a client host and the
// coordinator host.
//
//	ping serve [-port 8080]
//	ping send -host 10.0.0.5 [-port 8080] [-message "HELLO from client"]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/okian/fedlab/internal/adapters/transport/ping"
	"github.com/okian/fedlab/pkg/logger"
)

var errUsage = errors.New("usage: ping serve|send [flags]")

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, nil); err != nil {
		os.Stderr.WriteString("ping: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// run dispatches the subcommand. ready, when non-nil, receives the address a
// server is bound to.
func run(ctx context.Context, args []string, stdout io.Writer, ready chan<- string) error {
	if len(args) == 0 {
		return errUsage
	}
	fs := flag.NewFlagSet("ping "+args[0], flag.ContinueOnError)
	host := fs.String("host", "", "Interface to bind (serve) or coordinator host (send)")
	port := fs.Int("port", ping.DefaultPort, "TCP port")
	message := fs.String("message", ping.DefaultMessage, "Message to send")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	addr := net.JoinHostPort(*host, strconv.Itoa(*port))

	switch args[0] {
	case "serve":
		fmt.Fprintf(stdout, "Server listening on %s\n", addr)
		res, err := ping.Serve(ctx, addr, ready)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Connected by %s\n", res.Remote)
		fmt.Fprintf(stdout, "Received from client: %q\n", res.Received)
		return nil
	case "send":
		if *host == "" {
			return fmt.Errorf("%w: send needs -host", errUsage)
		}
		fmt.Fprintf(stdout, "Connecting to %s\n", addr)
		res, err := ping.Send(ctx, addr, *message)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Received from server: %q\n", res.Received)
		return nil
	default:
		return fmt.Errorf("%w: unknown subcommand %q", errUsage, args[0])
	}
}
