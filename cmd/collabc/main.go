// Command collabc is a minimal reference harness for internal/replica:
// it wires a Client Replica to stdin-line edits so the protocol can be
// exercised end to end without a terminal UI. Terminal rendering and
// keybinding interpretation belong to external front ends.
//
// Usage: collabc -addr host:port -name alice
// Each line of stdin is appended to the end of the local document; a line
// of just ":sync" requests a FullSync from the server; a line of just
// ":quit" exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/andyson007/collabtext/internal/config"
	"github.com/andyson007/collabtext/internal/logging"
	"github.com/andyson007/collabtext/internal/replica"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7777", "collabd server address")
	name := flag.String("name", "anon", "display name presented at handshake")
	token := flag.String("token", "", "opaque credentials blob (e.g. a signed JWT), sent if the server requires auth")
	flag.Parse()

	logger, err := logging.New(config.LoggingConfig{Level: "info"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabc: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	r := replica.New(replica.Config{
		Addr:        *addr,
		Name:        *name,
		Credentials: []byte(*token),
	}, logger)

	r.OnApply(func() {
		fmt.Fprintf(os.Stderr, "\r[%d bytes] ", len(r.Bytes()))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "collabc: replica stopped: %v\n", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch line {
		case ":quit":
			stop()
			return
		case ":sync":
			if err := r.RequestResync(); err != nil {
				fmt.Fprintf(os.Stderr, "collabc: resync request failed: %v\n", err)
			}
			continue
		case ":print":
			fmt.Println(string(r.Bytes()))
			continue
		}

		if !r.Ready() {
			fmt.Fprintln(os.Stderr, "collabc: not connected yet, dropping input")
			continue
		}
		if err := r.Insert(len(r.Bytes()), []byte(line+"\n")); err != nil {
			fmt.Fprintf(os.Stderr, "collabc: insert failed: %v\n", err)
		}
	}

	<-ctx.Done()
}
