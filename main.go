// packetsender - send, receive and answer TCP, TLS and UDP packets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"packetsender/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "packetsender: %v\n", err)
		os.Exit(1)
	}
}
