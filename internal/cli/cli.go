// Package cli holds the flag handling and wiring shared by the producer,
// consumer and handoffctl binaries.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	shm "github.com/xll-gen/handoff/go"
	"github.com/xll-gen/handoff/go/journal"
)

// Options is the parsed command line of a binary.
type Options struct {
	Config       shm.Config
	Pace         time.Duration
	Count        int
	Journal      string
	LockOSThread bool
	LogLevel     slog.Level
	// Args holds the arguments left after the flags.
	Args []string
}

// Parse parses args (without the program name). Values come from
// shm.DefaultConfig, then the -config file, then explicitly set flags.
func Parse(name string, args []string, defaultPace time.Duration, output io.Writer) (Options, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	configPath := fs.String("config", "", "JSON config file")
	chName := fs.String("name", "", "channel name (default \"shm_table\")")
	capacity := fs.Int("capacity", 0, "ring capacity in slots (default 2)")
	dir := fs.String("dir", "", "directory for shared objects (default /dev/shm)")
	unlink := fs.Bool("unlink", false, "remove the shared objects on exit")
	pace := fs.Duration("pace", defaultPace, "delay after each item")
	count := fs.Int("count", 0, "stop after this many items; 0 runs until interrupted")
	journalPath := fs.String("journal", "", "SQLite audit journal to record items in")
	lockThread := fs.Bool("lock-os-thread", false, "pin the loop to one OS thread")
	level := fs.String("log-level", "info", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	cfg := shm.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = shm.LoadConfigFile(*configPath); err != nil {
			return Options{}, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *chName
		case "capacity":
			cfg.Capacity = *capacity
		case "dir":
			cfg.Dir = *dir
		case "unlink":
			cfg.Unlink = *unlink
		}
	})
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*level)); err != nil {
		return Options{}, fmt.Errorf("-log-level: %w", err)
	}
	if *count < 0 {
		return Options{}, fmt.Errorf("-count must not be negative")
	}

	return Options{
		Config:       cfg,
		Pace:         *pace,
		Count:        *count,
		Journal:      *journalPath,
		LockOSThread: *lockThread,
		LogLevel:     lvl,
		Args:         fs.Args(),
	}, nil
}

// NewLogger returns the text logger the binaries write to stderr with.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// EventHook logs every worker event and, if j is not nil, records it in
// the journal. Journal failures are logged and do not stop the loop.
func EventHook(log *slog.Logger, channel string, j *journal.Journal) func(shm.Event) {
	return func(ev shm.Event) {
		switch ev.Kind {
		case shm.EventProducing:
			log.Info("producing item", "item", ev.Item)
		case shm.EventPlaced:
			log.Info("placed item", "item", ev.Item, "index", ev.Index, "in_flight", ev.InFlight)
		case shm.EventConsumed:
			log.Info("consumed item", "item", ev.Item, "index", ev.Index, "in_flight", ev.InFlight)
		}
		if j == nil {
			return
		}
		if err := j.Record(channel, ev); err != nil {
			log.Warn("journal write failed", "error", err)
		}
	}
}

// Runner is a worker loop: *shm.Producer or *shm.Consumer.
type Runner interface {
	Run(ctx context.Context) error
}

// RunWorker opens the channel, builds the worker with newWorker and runs it
// until it finishes or ctx is done. It returns the process exit code. A
// setup failure is reported and the loop is never entered.
func RunWorker(ctx context.Context, log *slog.Logger, role string, opts Options,
	newWorker func(*shm.Channel, shm.WorkerOptions) Runner) int {
	ch, err := shm.Open(opts.Config)
	if err != nil {
		log.Error("setup failed", "role", role, "error", err)
		return 1
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}()

	var j *journal.Journal
	if opts.Journal != "" {
		if j, err = journal.Open(opts.Journal); err != nil {
			log.Error("setup failed", "role", role, "error", err)
			return 1
		}
		defer j.Close()
	}

	w := newWorker(ch, shm.WorkerOptions{
		Pace:         opts.Pace,
		Count:        opts.Count,
		LockOSThread: opts.LockOSThread,
		OnEvent:      EventHook(log, ch.Name(), j),
	})
	log.Info(role+" started", "name", ch.Name(), "capacity", ch.Capacity(), "created", ch.Created(), "pid", os.Getpid())

	if err := w.Run(ctx); err != nil {
		log.Error(role+" stopped", "error", err)
		return 1
	}
	log.Info(role + " finished")
	return 0
}
