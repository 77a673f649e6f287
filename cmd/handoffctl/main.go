// Command handoffctl inspects and maintains handoff channels.
//
//	handoffctl [flags] status   print the channel counters as JSON
//	handoffctl [flags] unlink   remove the channel's shared objects
//	handoffctl [flags] verify   check the -journal for FIFO order, loss and duplicates
//	handoffctl [flags] reset    drop the channel's events from the -journal
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sugawarayuuta/sonnet"

	shm "github.com/xll-gen/handoff/go"
	"github.com/xll-gen/handoff/go/journal"
	"github.com/xll-gen/handoff/internal/cli"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := cli.Parse("handoffctl", args, 0, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	log := cli.NewLogger(stderr, opts.LogLevel)
	if err != nil {
		log.Error("invalid arguments", "error", err)
		return 2
	}
	if len(opts.Args) != 1 {
		log.Error("expected one command: status, unlink, verify or reset", "args", opts.Args)
		return 2
	}

	switch cmd := opts.Args[0]; cmd {
	case "status":
		st, err := shm.Inspect(opts.Config)
		if err != nil {
			log.Error("status failed", "name", opts.Config.Name, "error", err)
			return 1
		}
		return writeJSON(stdout, log, st)

	case "unlink":
		if err := shm.Unlink(opts.Config); err != nil {
			log.Error("unlink failed", "name", opts.Config.Name, "error", err)
			return 1
		}
		log.Info("unlinked channel", "name", opts.Config.Name)
		return 0

	case "verify", "reset":
		if opts.Journal == "" {
			log.Error(cmd + " needs -journal")
			return 2
		}
		j, err := journal.Open(opts.Journal)
		if err != nil {
			log.Error(cmd+" failed", "error", err)
			return 1
		}
		defer j.Close()

		if cmd == "reset" {
			if err := j.Reset(opts.Config.Name); err != nil {
				log.Error("reset failed", "name", opts.Config.Name, "error", err)
				return 1
			}
			log.Info("reset journal", "name", opts.Config.Name, "journal", opts.Journal)
			return 0
		}

		report, err := j.Verify(opts.Config.Name)
		if err != nil {
			log.Error("verify failed", "error", err)
			return 1
		}
		if code := writeJSON(stdout, log, report); code != 0 {
			return code
		}
		if !report.OK {
			return 1
		}
		return 0

	default:
		log.Error("unknown command", "command", cmd)
		return 2
	}
}

func writeJSON(w io.Writer, log *slog.Logger, v any) int {
	data, err := sonnet.Marshal(v)
	if err != nil {
		log.Error("encode failed", "error", err)
		return 1
	}
	fmt.Fprintf(w, "%s\n", data)
	return 0
}
