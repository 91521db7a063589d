// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Worker protocol magic numbers and the version this package speaks.
// See spec §4.6: a client sends WorkerMagic1, the daemon replies with
// WorkerMagic2, then both sides exchange a little-endian u64 protocol
// version and adopt the lower of the two.
const (
	WorkerMagic1 uint64 = 0x6e697863 // "cxin", sent by the client
	WorkerMagic2 uint64 = 0x6478696f // "oixd", sent by the daemon

	// ProtocolVersion is this implementation's worker protocol version,
	// packed as (major<<16 | minor).
	ProtocolVersion uint64 = 1<<16 | 37
)

// ProtocolMajor returns the upper 16 bits of a packed protocol version.
func ProtocolMajor(v uint64) uint16 { return uint16(v >> 16) }

// ProtocolMinor returns the lower 16 bits of a packed protocol version.
func ProtocolMinor(v uint64) uint16 { return uint16(v) }

// NegotiateClientVersion performs the client side of the worker protocol
// handshake over rw: it writes WorkerMagic1 and this package's
// [ProtocolVersion], reads back WorkerMagic2 and the daemon's version,
// and returns the lower of the two versions, which both sides then use
// for the rest of the session.
func NegotiateClientVersion(rw io.ReadWriter) (uint64, error) {
	if err := writeUint64(rw, WorkerMagic1); err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	magic, err := readRawUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	if magic != WorkerMagic2 {
		return 0, fmt.Errorf("negotiate worker protocol: daemon sent bad magic %#x", magic)
	}
	if err := writeUint64(rw, ProtocolVersion); err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	daemonVersion, err := readRawUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	return min(ProtocolVersion, daemonVersion), nil
}

// NegotiateServerVersion performs the daemon side of the handshake: it
// reads the client's magic and version, writes its own, and returns the
// negotiated (lower) version.
func NegotiateServerVersion(rw io.ReadWriter) (uint64, error) {
	magic, err := readRawUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	if magic != WorkerMagic1 {
		return 0, fmt.Errorf("negotiate worker protocol: client sent bad magic %#x", magic)
	}
	if err := writeUint64(rw, WorkerMagic2); err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	clientVersion, err := readRawUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	if err := writeUint64(rw, ProtocolVersion); err != nil {
		return 0, fmt.Errorf("negotiate worker protocol: %w", err)
	}
	return min(ProtocolVersion, clientVersion), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// readRawUint64 reads a bare little-endian u64 with no NAR-string
// framing around it, as used by the magic/version handshake.
func readRawUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
