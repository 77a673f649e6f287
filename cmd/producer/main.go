// Command producer places the items 1, 2, 3, ... into a shared handoff
// channel, one per -pace interval.
package main

import (
	"errors"
	"flag"
	"os"
	"time"

	shm "github.com/xll-gen/handoff/go"
	"github.com/xll-gen/handoff/internal/cli"
)

func main() {
	opts, err := cli.Parse("producer", os.Args[1:], time.Second, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		cli.NewLogger(os.Stderr, 0).Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	log := cli.NewLogger(os.Stderr, opts.LogLevel)
	shm.SetLogger(log)

	ctx, stop := cli.SignalContext()
	code := cli.RunWorker(ctx, log, "producer", opts, func(ch *shm.Channel, wo shm.WorkerOptions) cli.Runner {
		return shm.NewProducer(ch, wo)
	})
	stop()
	os.Exit(code)
}
