// Copyright 2026 The qemu-colo Authors
// This file is part of the qemu-colo library.
//
// The qemu-colo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The qemu-colo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the qemu-colo library. If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadSize bounds a single checkpoint payload. A length prefix above
// this is treated as a protocol violation rather than an allocation request.
const MaxPayloadSize = 1 << 30

// ErrPayloadTooLarge is returned by [GetPayload] when the announced payload
// length exceeds [MaxPayloadSize].
var ErrPayloadTooLarge = errors.New("wire: payload length exceeds limit")

// UnexpectedTokenError is returned by [Expect] when the received token does
// not match the wanted one. It is an unrecoverable protocol violation; the
// caller must abort the checkpoint transaction and drain.
type UnexpectedTokenError struct {
	Want, Got Token
}

func (e *UnexpectedTokenError) Error() string {
	return fmt.Sprintf("wire: expected %s token, got %s", e.Want, e.Got)
}

// flusher is satisfied by buffered writers, e.g. [bufio.Writer]. A token MUST
// reach the wire before the sender blocks on the next read, so Put flushes
// whenever the channel supports it.
type flusher interface {
	Flush() error
}

func flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Put writes one 8-byte big-endian token and flushes it to the wire.
func Put(w io.Writer, tok Token) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(tok))
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: sending %s: %w", tok, err)
	}
	if err := flush(w); err != nil {
		return fmt.Errorf("wire: flushing %s: %w", tok, err)
	}
	return nil
}

// GetValue reads one 8-byte big-endian token. The returned token is not
// validated against the shared table; callers dispatching on arbitrary
// commands use [Token.Known].
func GetValue(r io.Reader) (Token, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: reading token: %w", err)
	}
	return Token(binary.BigEndian.Uint64(b[:])), nil
}

// Expect reads one token and compares it against want. A mismatch returns an
// [*UnexpectedTokenError] so the caller can abort the transaction and drain
// state instead of terminating the process.
func Expect(r io.Reader, want Token) error {
	got, err := GetValue(r)
	if err != nil {
		return err
	}
	if got != want {
		return &UnexpectedTokenError{Want: want, Got: got}
	}
	return nil
}

// PutPayload writes the 8-byte length prefix followed by the raw payload
// bytes, flushing after each logical unit.
func PutPayload(w io.Writer, payload []byte) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(len(payload)))
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: sending payload length: %w", err)
	}
	if err := flush(w); err != nil {
		return fmt.Errorf("wire: flushing payload length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: sending payload: %w", err)
	}
	if err := flush(w); err != nil {
		return fmt.Errorf("wire: flushing payload: %w", err)
	}
	return nil
}

// GetPayload reads the 8-byte length prefix and then exactly that many bytes
// into buf, replacing its previous contents. A short read is fatal to the
// transaction.
func GetPayload(r io.Reader, buf *Buffer) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("wire: reading payload length: %w", err)
	}
	size := binary.BigEndian.Uint64(b[:])
	if size > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	buf.Reset()
	dst := buf.extend(int(size))
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("wire: reading %d byte payload: %w", size, err)
	}
	return nil
}
