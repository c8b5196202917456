//go:build linux

package spawner

import (
	"fmt"
	"strings"

	"github.com/moby/sys/capability"
	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

/**
 * Map of capability names to their IDs, built once from the set the
 * running kernel knows about.
 */
var capNameToID = func() map[string]capability.Cap {
	m := make(map[string]capability.Cap)
	for _, c := range capability.ListKnown() {
		m[c.String()] = c
	}
	return m
}()

/**
 * Normalize a capability name to lowercase without a "CAP_" prefix.
 */
func normalizeCap(name string) string {
	s := strings.TrimSpace(strings.ToLower(name))
	return strings.TrimPrefix(s, "cap_")
}

/**
 * capFromName resolves a capability name to its ID.
 */
func capFromName(name string) (capability.Cap, error) {
	if id, ok := capNameToID[normalizeCap(name)]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown capability: %q", name)
}

/**
 * dropCapabilities removes the named capabilities from the calling
 * process's bounding, permitted, effective, and inheritable sets. It
 * is a per-spawn opt-in drop list rather than the teacher's
 * default-allow-list-plus-drops policy: spec.md's hardening surface
 * is exactly "drop these capabilities", nothing more.
 */
func dropCapabilities(names []string) error {
	if len(names) == 0 {
		return nil
	}
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability handle: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	for _, name := range names {
		id, err := capFromName(name)
		if err != nil {
			return err
		}
		caps.Unset(capability.BOUNDS|capability.CAPS, id)
	}
	if err := caps.Apply(capability.BOUNDS | capability.CAPS); err != nil {
		return fmt.Errorf("apply capabilities: %w", err)
	}
	return nil
}

/**
 * denySyscalls installs a seccomp filter with default action ALLOW
 * and an ERRNO(ENOSYS) rule for each named syscall. Must be called
 * after dropCapabilities and immediately before exec.
 */
func denySyscalls(names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}

	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return err
	}
	defer filter.Release()

	denyAct := seccomp.ActErrno.SetReturnCode(int16(unix.ENOSYS))
	for _, name := range names {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRule(sc, denyAct); err != nil {
			continue
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("seccomp: load: %w", err)
	}
	return nil
}
