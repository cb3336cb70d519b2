// Command goevents runs the receiver, storage and processing services of the
// event pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3rs4lg4d0/goevents/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, pipeline.ErrConnectionExhausted) {
			fmt.Fprintln(os.Stderr, "giving up: a required backend is not available")
		}
		os.Exit(1)
	}
}
