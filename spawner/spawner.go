//go:build linux

// Package spawner implements the out-of-process spawner helper of
// spec.md §4.1. Started by the controller as an ordinary child
// process, it forks the actual target with a raw clone syscall, wires
// the target's stdin/stdout to a pipe pair, hands the controller-facing
// pipe ends to the controller over a Unix-domain handshake socket, and
// then blocks until the target exits, exiting itself with the target's
// status.
package spawner

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"boxpipe/protocol"
)

// Config is the spawner's parsed argv and environment.
type Config struct {
	SocketPath   string
	Path         string
	Args         []string
	Cwd          string
	Env          []string
	DropCaps     []string
	DenySyscalls []string
}

// ParseConfig reads argv (socket path, target absolute path, target
// args...) and the BOXPIPE_* variables the controller placed in this
// process's environment. spec.md §6 keeps argv limited to the socket
// path and the target's own command line; cwd, env, and hardening
// travel through the environment instead.
func ParseConfig(argv []string) (Config, error) {
	if len(argv) < 2 {
		return Config{}, fmt.Errorf("usage: spawner <socket-path> <cmd> [args...]")
	}
	cfg := Config{
		SocketPath: argv[0],
		Path:       argv[1],
		Args:       argv[1:],
	}
	cfg.Cwd = os.Getenv(protocol.EnvCwd)
	if v := os.Getenv(protocol.EnvVars); v != "" {
		cfg.Env = strings.Split(v, "\n")
	}
	if v := os.Getenv(protocol.EnvDropCaps); v != "" {
		cfg.DropCaps = strings.Split(v, ",")
	}
	if v := os.Getenv(protocol.EnvDenySyscalls); v != "" {
		cfg.DenySyscalls = strings.Split(v, ",")
	}
	return cfg, nil
}

// Run forks the target, hands its pipe ends to the controller, waits
// for the target to exit, and returns the status this process should
// itself exit with: the spawner's own exit status IS the target's exit
// status, since the controller only ever observes the spawner's exit.
func Run(cfg Config) int {
	var stdinPipe, stdoutPipe [2]int
	if err := unix.Pipe2(stdinPipe[:], unix.O_CLOEXEC); err != nil {
		fmt.Fprintf(os.Stderr, "spawner: pipe: %v\n", err)
		return 1
	}
	if err := unix.Pipe2(stdoutPipe[:], unix.O_CLOEXEC); err != nil {
		fmt.Fprintf(os.Stderr, "spawner: pipe: %v\n", err)
		return 1
	}

	stdinReadChild, stdinWriteCtl := stdinPipe[0], stdinPipe[1]
	stdoutReadCtl, stdoutWriteChild := stdoutPipe[0], stdoutPipe[1]

	// Raw clone, no namespace flags: unlike the teacher's sandbox this
	// spawner isolates nothing but the pipe fds, so a plain fork is
	// enough (spec.md's opts enumerate exactly cwd and env, never a
	// namespace mode).
	pid, _, errno := unix.RawSyscall(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0)
	if errno != 0 {
		fmt.Fprintf(os.Stderr, "spawner: clone: %v\n", errno)
		return 1
	}

	if pid == 0 {
		childMain(cfg, stdinReadChild, stdoutWriteChild)
		unix.Exit(127) // unreachable unless exec itself fails
	}

	_ = unix.Close(stdinReadChild)
	_ = unix.Close(stdoutWriteChild)

	if err := handshake(cfg.SocketPath, stdinWriteCtl, stdoutReadCtl); err != nil {
		fmt.Fprintf(os.Stderr, "spawner: handshake: %v\n", err)
		_ = unix.Kill(int(pid), unix.SIGKILL)
	}
	_ = unix.Close(stdinWriteCtl)
	_ = unix.Close(stdoutReadCtl)

	return waitStatus(int(pid))
}

// childMain runs between clone and exec. Like the teacher's sandbox
// child branch it calls non-async-signal-safe code here (env
// splitting, capability/seccomp setup); that hazard exists in the
// teacher too and is accepted for the same reason: the alternative is
// hand-writing exec in assembly.
func childMain(cfg Config, stdinFD, stdoutFD int) {
	if err := unix.Dup2(stdinFD, 0); err != nil {
		unix.Exit(126)
	}
	if err := unix.Dup2(stdoutFD, 1); err != nil {
		unix.Exit(126)
	}
	if stdinFD > 2 {
		_ = unix.Close(stdinFD)
	}
	if stdoutFD > 2 {
		_ = unix.Close(stdoutFD)
	}

	if cfg.Cwd != "" {
		if err := unix.Chdir(cfg.Cwd); err != nil {
			unix.Exit(126)
		}
	}

	if err := dropCapabilities(cfg.DropCaps); err != nil {
		unix.Exit(126)
	}
	if err := denySyscalls(cfg.DenySyscalls); err != nil {
		unix.Exit(126)
	}

	env := cfg.Env
	if env == nil {
		env = []string{}
	}
	err := unix.Exec(cfg.Path, cfg.Args, env)
	fmt.Fprintf(os.Stderr, "spawner: exec %s: %v\n", cfg.Path, err)
	unix.Exit(127)
}

// handshake dials the controller's listener and sends the two
// controller-facing pipe ends over SCM_RIGHTS.
func handshake(socketPath string, stdinWrite, stdoutRead int) error {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return protocol.SendFDs(conn, stdinWrite, stdoutRead)
}

// waitStatus reaps pid and translates its wait status into an exit
// code the way a shell would: the exit status if it exited normally,
// 128+signal if it was killed by a signal.
func waitStatus(pid int) int {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 1
		}
		break
	}
	if ws.Exited() {
		return ws.ExitStatus()
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return 1
}
