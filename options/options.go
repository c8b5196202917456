//go:build linux

package options

import (
	"context"
	"fmt"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/urfave/cli/v3"

	"boxpipe/controller"
	"boxpipe/logger"
	"boxpipe/version"
)

// capSet reduces a --cap-drop/--cap-add pair into a single effective
// drop-list: an --cap-add cancels an earlier --cap-drop of the same
// capability. There is no default allow-list to grant capabilities
// from here (unlike the teacher's sandbox-wide policy), so cap-add
// only ever narrows the drop-list, matching D.3's "plain drop-list"
// scope.
func capSet(drop, add []string) []string {
	set := make(map[string]struct{}, len(drop))
	for _, c := range drop {
		set[c] = struct{}{}
	}
	for _, c := range add {
		delete(set, c)
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// syscallSet reduces --deny-syscall/--allow-syscall into a single
// effective deny-list, the same reduction capSet performs for
// capabilities.
func syscallSet(deny, allow []string) []string {
	set := make(map[string]struct{}, len(deny))
	for _, s := range deny {
		set[s] = struct{}{}
	}
	for _, s := range allow {
		delete(set, s)
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// buildStartOptions translates a *cli.Command into controller.StartOptions
// (SPEC_FULL.md D.1), following the teacher's buildOptionsFromCLI shape:
// one field assignment or parse call per flag.
func buildStartOptions(c *cli.Command) (controller.StartOptions, error) {
	opts := controller.StartOptions{
		Cwd:   c.String("cwd"),
		Label: c.String("label"),
	}

	maxRead, err := ParseMaxRead(c.String("max-read"))
	if err != nil {
		return opts, err
	}
	opts.MaxRead = maxRead

	var userEnv []string
	for _, e := range c.StringSlice("env") {
		v, err := ParseEnv(e)
		if err != nil {
			return opts, err
		}
		userEnv = append(userEnv, v)
	}
	if len(userEnv) > 0 {
		opts.Env = MergeEnv(userEnv)
	}

	opts.Hardening = controller.SpawnHardening{
		DropCaps:     capSet(c.StringSlice("cap-drop"), c.StringSlice("cap-add")),
		DenySyscalls: syscallSet(c.StringSlice("deny-syscall"), c.StringSlice("allow-syscall")),
	}

	return opts, nil
}

// ParsedRun is the result of parsing boxctl's `run` command line.
type ParsedRun struct {
	Start       controller.StartOptions
	Argv        []string
	HistoryPath string
}

// ParseCli parses boxctl's flags into a ParsedRun, creating the global
// logger as a side effect (spec.md's controller package never logs
// before Start is called; boxctl is the one place that decides the
// process-wide log level/format).
func ParseCli(ctx context.Context, args []string) (*ParsedRun, error) {
	var result *ParsedRun
	generator := namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())

	cmd := &cli.Command{
		Name:    "boxctl",
		Usage:   "Demand-driven external process supervisor.",
		Version: version.Version(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cwd", Usage: "Working directory for the child"},
			&cli.StringSliceFlag{Name: "env", Usage: "Sets an environment variable as `KEY=VALUE` in the child"},
			&cli.StringFlag{Name: "max-read", Usage: "Bounds a single non-blocking read (e.g. 64KB, 1MB)"},
			&cli.StringFlag{Name: "label", Value: generator.Generate(), Usage: "Human-readable label for log correlation"},
			&cli.StringSliceFlag{Name: "cap-add", Usage: "Cancel a --cap-drop for `CAPABILITY`"},
			&cli.StringSliceFlag{Name: "cap-drop", Usage: "Drop `CAPABILITY` from the child's bounding set"},
			&cli.StringSliceFlag{Name: "allow-syscall", Usage: "Cancel a --deny-syscall for `SYSCALL`"},
			&cli.StringSliceFlag{Name: "deny-syscall", Usage: "Deny `SYSCALL` with ENOSYS via seccomp"},
			&cli.StringFlag{Name: "history", Usage: "Path to a bbolt exit-history ledger"},
			&cli.StringFlag{Name: "log-level", Value: "error", Usage: "Log verbosity (debug|info|warn|error)"},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "Log format (text|json)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logLevel, err := parseLogLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logFormat, err := parseLogFormat(c.String("log-format"))
			if err != nil {
				return err
			}
			logger.CreateLogger(&logger.LoggerOpts{LogLevel: logLevel, LogFormat: logFormat})

			start, err := buildStartOptions(c)
			if err != nil {
				return err
			}

			argv := c.Args().Slice()
			if len(argv) == 0 {
				return fmt.Errorf("missing command; usage: boxctl [options] -- command [args...]")
			}

			result = &ParsedRun{
				Start:       start,
				Argv:        argv,
				HistoryPath: c.String("history"),
			}
			return nil
		},
	}

	if err := cmd.Run(ctx, args); err != nil {
		_ = cli.ShowAppHelp(cmd)
		return nil, err
	}
	return result, nil
}
