// Command keyfetch is an operator tool for the key broker's license flow.
// It downloads the application certificate, runs a single key exchange with
// an external payload generator and lists the key URIs an HLS asset uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&rootOptions{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "keyfetch:", err)
		stop()
		os.Exit(1)
	}
}
