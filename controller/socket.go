//go:build linux

package controller

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/goombaio/namegenerator"

	"boxpipe/protocol"
)

const spawnerEnvVar = "BOXPIPE_SPAWNER"

// nameGen produces human-friendly labels for log correlation, seeded
// once per process the same way options.ParseCli seeds it in the
// teacher — never reseeded per child.
var nameGen = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())

func newIdentity(label string) (id, resolvedLabel string) {
	id = uuid.NewString()
	if label == "" {
		label = nameGen.Generate()
	}
	return id, label
}

// socketPath derives a temp-dir path from 16 random bytes, url-safe,
// as spec.md §6 requires. The bytes come from a UUIDv4, whose entropy
// source is the same one github.com/google/uuid uses elsewhere in
// this package.
func socketPath() string {
	id := uuid.New()
	name := "boxpipe-" + base64.RawURLEncoding.EncodeToString(id[:]) + ".sock"
	return filepath.Join(os.TempDir(), name)
}

// listen binds the handshake socket, unlinking any leftover path
// first (spec.md §6).
func listen() (string, *net.UnixListener, error) {
	path := socketPath()
	_ = os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return path, ln, nil
}

func removeSocket(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// completeHandshake accepts the spawner's connection and receives the
// two file descriptors it sends, both bounded by timeout.
func completeHandshake(ln *net.UnixListener, timeout time.Duration) (*net.UnixConn, int, int, error) {
	deadline := time.Now().Add(timeout)
	if err := ln.SetDeadline(deadline); err != nil {
		return nil, -1, -1, err
	}
	conn, err := ln.AcceptUnix()
	if err != nil {
		return nil, -1, -1, fmt.Errorf("%w: accept: %v", ErrHandshakeTimeout, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, -1, -1, err
	}
	stdinWrite, stdoutRead, err := protocol.RecvFDs(conn)
	if err != nil {
		_ = conn.Close()
		return nil, -1, -1, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return conn, stdinWrite, stdoutRead, nil
}

// resolveSpawnerPath locates the spawner helper executable: an
// explicit override, then $BOXPIPE_SPAWNER, then a "spawner" binary
// alongside the calling executable, then $PATH.
func resolveSpawnerPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(spawnerEnvVar); p != "" {
		return p, nil
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "spawner")
		if fi, statErr := os.Stat(sibling); statErr == nil && !fi.IsDir() {
			return sibling, nil
		}
	}
	if p, err := exec.LookPath("boxpipe-spawner"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: spawner helper not found (set %s)", ErrInvalidOptions, spawnerEnvVar)
}

func validateStartOptions(opts StartOptions) error {
	if opts.Cwd != "" {
		fi, err := os.Stat(opts.Cwd)
		if err != nil {
			return fmt.Errorf("%w: cwd %q: %v", ErrInvalidOptions, opts.Cwd, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: cwd %q is not a directory", ErrInvalidOptions, opts.Cwd)
		}
	}
	if opts.MaxRead < 0 {
		return fmt.Errorf("%w: MaxRead must be >= 0", ErrInvalidOptions)
	}
	return nil
}

// buildSpawnerEnv is the only channel through which cwd, env, and
// hardening reach the spawner (spec.md §6); argv carries only the
// socket path and the target's own command line.
func buildSpawnerEnv(opts StartOptions) []string {
	var env []string
	if opts.Cwd != "" {
		env = append(env, protocol.EnvCwd+"="+opts.Cwd)
	}
	if opts.Env != nil {
		env = append(env, protocol.EnvVars+"="+strings.Join(opts.Env, "\n"))
	}
	if len(opts.Hardening.DropCaps) > 0 {
		env = append(env, protocol.EnvDropCaps+"="+strings.Join(opts.Hardening.DropCaps, ","))
	}
	if len(opts.Hardening.DenySyscalls) > 0 {
		env = append(env, protocol.EnvDenySyscalls+"="+strings.Join(opts.Hardening.DenySyscalls, ","))
	}
	return env
}

// spawnerProcAttr makes the spawner the leader of its own process
// group, so Kill can reach both the spawner and the target it forks
// by signalling the negative pid — the same process-group kill idiom
// anandrajsingh's process manager uses for its os/exec children.
func spawnerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
