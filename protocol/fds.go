//go:build linux

// Package protocol implements the handshake wire format shared by the
// controller and the spawner helper: a single SCM_RIGHTS message
// carrying the child's stdin-write and stdout-read file descriptors.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Markers is the positional-marker payload sent alongside the rights
// control message. The two file descriptors are carried out-of-band by
// the kernel; these bytes only pin their order for a defensive check
// on the receiving end.
var markers = [2]uint32{0, 1}

const payloadSize = 4 * len(markers)

// SendFDs sends stdinWrite and stdoutRead to the peer of conn in a
// single ancillary message, in that fixed order.
func SendFDs(conn *net.UnixConn, stdinWrite, stdoutRead int) error {
	oob := unix.UnixRights(stdinWrite, stdoutRead)

	payload := make([]byte, payloadSize)
	binary.NativeEndian.PutUint32(payload[0:4], markers[0])
	binary.NativeEndian.PutUint32(payload[4:8], markers[1])

	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("send fds: %w", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("send fds: short write (data=%d/%d oob=%d/%d)", n, len(payload), oobn, len(oob))
	}
	return nil
}

// RecvFDs reads the ancillary message sent by SendFDs and returns the
// two file descriptors in stdin-write, stdout-read order. Any other
// shape (wrong descriptor count, wrong payload size, no control
// message) is a fatal handshake error.
func RecvFDs(conn *net.UnixConn) (stdinWrite, stdoutRead int, err error) {
	payload := make([]byte, payloadSize)
	oob := make([]byte, unix.CmsgSpace(2*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return -1, -1, fmt.Errorf("recv fds: %w", err)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return -1, -1, fmt.Errorf("recv fds: control message truncated")
	}
	if n != len(payload) {
		return -1, -1, fmt.Errorf("recv fds: unexpected payload size %d", n)
	}
	if binary.NativeEndian.Uint32(payload[0:4]) != markers[0] ||
		binary.NativeEndian.Uint32(payload[4:8]) != markers[1] {
		return -1, -1, fmt.Errorf("recv fds: unexpected marker payload")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, -1, fmt.Errorf("recv fds: parse control message: %w", err)
	}
	if len(cmsgs) != 1 {
		return -1, -1, fmt.Errorf("recv fds: expected exactly one control message, got %d", len(cmsgs))
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return -1, -1, fmt.Errorf("recv fds: parse rights: %w", err)
	}
	if len(fds) != 2 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return -1, -1, fmt.Errorf("recv fds: expected exactly two file descriptors, got %d", len(fds))
	}
	return fds[0], fds[1], nil
}
