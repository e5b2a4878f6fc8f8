package rtmpproto

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// ErrBadVersion is returned when C0 does not carry RTMP_VERSION (3).
var ErrBadVersion = errors.New("rtmpproto: unsupported handshake version")

// ServerHandshake performs the simplified (non-HMAC) handshake described in
// spec.md §4.3/§8 scenario 1: read C0 (version byte, must be 3) + C1 (1536
// bytes), reply S0 (version 3) + S1 (1536 zero bytes) + S2 (1536 bytes
// echoing C1 — "time2 echoes C1 time"), then read C2 (1536 bytes, expected
// to equal S1 but not validated — publishers in this deployment are
// trusted LAN encoders, and spec.md's Non-goals exclude authentication).
//
// This deliberately does not reproduce the teacher's genuine Adobe HMAC-SHA256
// handshake (handshake.go's generateS0S1S2/validate schemes): spec.md's
// table pins the simpler echo behavior, and the HMAC variant exists
// upstream to interoperate with obfuscated/legacy Flash clients that are
// out of scope here.
func ServerHandshake(r *bufio.Reader, w io.Writer) error {
	version, err := r.ReadByte()
	if err != nil {
		return errors.Wrap(err, "reading C0")
	}
	if version != Version {
		return ErrBadVersion
	}

	c1 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, c1); err != nil {
		return errors.Wrap(err, "reading C1")
	}

	reply := make([]byte, 1+HandshakeSize+HandshakeSize)
	reply[0] = Version
	// S1: 1536 zero bytes (time/time2 fields left zero-filled per spec.md §4.3).
	// S2: echoes C1 verbatim, satisfying "time2 echoes C1 time".
	copy(reply[1+HandshakeSize:], c1)

	if _, err := w.Write(reply); err != nil {
		return errors.Wrap(err, "writing S0S1S2")
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, c2); err != nil {
		return errors.Wrap(err, "reading C2")
	}

	return nil
}

// ClientHandshake performs the client side of the same handshake. No server
// code path calls it; the handshake and session tests use it to drive
// ServerHandshake.
func ClientHandshake(r *bufio.Reader, w io.Writer) error {
	c1 := make([]byte, 1+HandshakeSize)
	c1[0] = Version
	if _, err := w.Write(c1); err != nil {
		return errors.Wrap(err, "writing C0C1")
	}

	s0, err := r.ReadByte()
	if err != nil {
		return errors.Wrap(err, "reading S0")
	}
	if s0 != Version {
		return ErrBadVersion
	}

	s1 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, s1); err != nil {
		return errors.Wrap(err, "reading S1")
	}
	s2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, s2); err != nil {
		return errors.Wrap(err, "reading S2")
	}

	if _, err := w.Write(s1); err != nil {
		return errors.Wrap(err, "writing C2")
	}

	return nil
}
