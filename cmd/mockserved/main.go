// Command mockserved runs the programmable HTTP(S) mock server as a
// standalone daemon. Grounded on the teacher's cmd/rigd/main.go for its
// flag-parsing, signal-handling, and graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/forgebell/mockserve/internal/server"
)

// Exit codes: 0 normal, 1 bind failure, 2 bad configuration.
const (
	exitOK          = 0
	exitBindFailure = 1
	exitBadConfig   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	listenIP := flag.String("listen-ip", "127.0.0.1", "IP address to bind the -ports listeners on (ephemeral ports always bind 127.0.0.1)")
	portsFlag := flag.String("ports", "", "comma-separated list of ports to bind (default: one ephemeral port)")
	maxLogEntries := flag.Int("max-log-entries", 10000, "bounded size of the recorded-interaction log (negative = unbounded; 0 selects the default of 10000)")
	maxExpectations := flag.Int("max-expectations", 10000, "expectation store size, kept in server.Config; the store enforces no cap and the value is not sent to clients")
	maxWebsocketQueue := flag.Int("max-websocket-queue", 64, "per-callback-channel queue depth, kept in server.Config; the callback registry always uses a fixed depth of 64")
	callbackTimeout := flag.Duration("callback-response-timeout", 120*time.Second, "callback response timeout, kept in server.Config; OBJECT_CALLBACK actions always wait dispatch.DefaultCallbackTimeout (120s)")
	socketConnTimeout := flag.Duration("socket-connection-timeout", 60*time.Second, "idle connection timeout")
	maxSocketTimeout := flag.Duration("max-socket-timeout", 120*time.Second, "per-request lifetime, kept in server.Config; the server applies no such cap")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file (enables HTTPS listeners)")
	tlsKey := flag.String("tls-key", "", "TLS key file (enables HTTPS listeners)")
	flag.Parse()

	ports, err := parsePorts(*portsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mockserved: %v\n", err)
		return exitBadConfig
	}
	if (*tlsCert == "") != (*tlsKey == "") {
		fmt.Fprintln(os.Stderr, "mockserved: -tls-cert and -tls-key must be set together")
		return exitBadConfig
	}

	cfg := server.Config{
		ListenIP:                *listenIP,
		Ports:                   ports,
		MaxLogEntries:           *maxLogEntries,
		MaxExpectations:         *maxExpectations,
		MaxWebsocketQueue:       *maxWebsocketQueue,
		CallbackResponseTimeout: *callbackTimeout,
		SocketConnectionTimeout: *socketConnTimeout,
		MaxSocketTimeout:        *maxSocketTimeout,
		TLSCertFile:             *tlsCert,
		TLSKeyFile:              *tlsKey,
	}

	srv := server.New(cfg)

	bound, err := srv.Start(context.Background(), ports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mockserved: bind: %v\n", err)
		return exitBindFailure
	}
	fmt.Fprintf(os.Stderr, "mockserved: listening on ports %v\n", bound)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "mockserved: received %s, shutting down\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mockserved: shutdown: %v\n", err)
	}
	return exitOK
}

func parsePorts(flagVal string) ([]int, error) {
	flagVal = strings.TrimSpace(flagVal)
	if flagVal == "" {
		return nil, nil
	}
	parts := strings.Split(flagVal, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		ports = append(ports, n)
	}
	return ports, nil
}
