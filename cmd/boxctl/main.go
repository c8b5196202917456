//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"boxpipe/controller"
	"boxpipe/logger"
	"boxpipe/options"
	"boxpipe/registry"
)

/**
 * Application entry point: a thin io.Copy-style wrapper over the
 * controller's demand-driven Write/Read API, the "convenience stream
 * wrapper" spec.md leaves to the wider repository.
 */
func main() {
	ctx := context.Background()

	parsed, err := options.ParseCli(ctx, os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "boxctl:", err)
		os.Exit(1)
	} else if parsed == nil {
		os.Exit(0)
	}

	started := time.Now()
	h, err := controller.Start(ctx, parsed.Argv, parsed.Start)
	if err != nil {
		logger.Log.Error("failed to start child", slog.Any("err", err))
		os.Exit(1)
	}

	var reg *registry.Registry
	if parsed.HistoryPath != "" {
		reg, err = registry.Open(parsed.HistoryPath)
		if err != nil {
			logger.Log.Warn("failed to open history ledger", slog.Any("err", err))
		} else {
			defer reg.Close()
		}
	}

	go pumpStdin(ctx, h)
	go pumpStdout(ctx, h)

	code, err := h.AwaitExit(ctx, 0)
	if err != nil {
		logger.Log.Error("await exit failed", slog.Any("err", err))
	}

	if reg != nil {
		pid, _ := h.OSPid()
		entry := registry.Entry{
			ID:       h.ID(),
			Label:    h.Label(),
			Pid:      pid,
			ExitCode: code,
			Started:  started,
			Exited:   time.Now(),
		}
		if recErr := reg.Record(entry); recErr != nil {
			logger.Log.Warn("failed to record exit history", slog.Any("err", recErr))
		}
	}

	os.Exit(code)
}

// pumpStdin copies the operator's stdin into the child until EOF or a
// write error, then closes the child's stdin so it observes EOF too.
func pumpStdin(ctx context.Context, h *controller.Handle) {
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := h.Write(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = h.CloseStdin(ctx)
			return
		}
	}
}

// pumpStdout copies the child's stdout to the operator's stdout until
// EOF or a read error.
func pumpStdout(ctx context.Context, h *controller.Handle) {
	for {
		r, err := h.Read(ctx, controller.Unbuffered)
		if len(r.Data) > 0 {
			if _, werr := os.Stdout.Write(r.Data); werr != nil {
				return
			}
		}
		if r.EOF || err != nil {
			return
		}
	}
}
