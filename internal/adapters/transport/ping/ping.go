// Package ping is a raw TCP reachability check between a client host and the
// coordinator host: the server answers the first message of one connection
// with a fixed acknowledgement.
package ping

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/okian/fedlab/pkg/logger"
)

// Defaults of the reachability check.
const (
	DefaultPort    = 8080
	DefaultMessage = "HELLO from client"
	Ack            = "ACK from server"
	readSize       = 1024
	defaultTimeout = 10 * time.Second
)

// Result describes one exchange.
type Result struct {
	Remote   string
	Received []byte
}

// Serve accepts a single connection on addr, reads up to 1024 bytes and
// answers with Ack. ready, when non-nil, receives the bound address.
func Serve(ctx context.Context, addr string, ready chan<- string) (Result, error) {
	log := logger.Get().Named("ping-server")
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	log.Info(ctx, "listening", logger.String("addr", ln.Addr().String()))
	if ready != nil {
		ready <- ln.Addr().String()
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	res := Result{Remote: conn.RemoteAddr().String()}
	log.Info(ctx, "connected", logger.String("remote", res.Remote))

	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))
	buf := make([]byte, readSize)
	n, err := conn.Read(buf)
	if err != nil {
		return res, fmt.Errorf("read: %w", err)
	}
	res.Received = buf[:n]
	log.Info(ctx, "received from client", logger.String("data", fmt.Sprintf("%q", res.Received)))
	if _, err := conn.Write([]byte(Ack)); err != nil {
		return res, fmt.Errorf("write ack: %w", err)
	}
	return res, nil
}

// Send connects to addr, sends message and returns up to 1024 bytes of the
// answer.
func Send(ctx context.Context, addr, message string) (Result, error) {
	log := logger.Get().Named("ping-client")
	log.Info(ctx, "connecting", logger.String("addr", addr))
	d := net.Dialer{Timeout: defaultTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	res := Result{Remote: conn.RemoteAddr().String()}

	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))
	if _, err := conn.Write([]byte(message)); err != nil {
		return res, fmt.Errorf("send: %w", err)
	}
	buf := make([]byte, readSize)
	n, err := conn.Read(buf)
	if err != nil {
		return res, fmt.Errorf("read: %w", err)
	}
	res.Received = buf[:n]
	log.Info(ctx, "received from server", logger.String("data", fmt.Sprintf("%q", res.Received)))
	return res, nil
}
