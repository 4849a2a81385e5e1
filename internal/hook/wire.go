// Package hook implements the enqueue side of the build-hook handshake:
// a length-prefixed request/response protocol read from and written to
// plain byte streams (stdin/stderr in the real build driver, in-memory
// buffers in tests).
package hook

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadUint64 reads one little-endian u64 off r.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadString reads a u64 length followed by that many bytes.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading %d-byte string: %w", n, err)
	}
	return string(buf), nil
}

// ReadStringSet reads a u64 count followed by that many ReadString
// values. The wire format places no uniqueness requirement on the
// elements; callers that need set semantics dedupe after reading.
func ReadStringSet(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, fmt.Errorf("reading element %d of %d: %w", i, n, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteUint64 writes v as a little-endian u64.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteString writes s as a u64 length followed by its bytes.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// WriteLine writes line followed by a single "\n", the framing the
// output side of the hook protocol uses instead of length prefixes.
func WriteLine(w io.Writer, line string) error {
	_, err := fmt.Fprintf(w, "%s\n", line)
	return err
}
