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

import "bytes"

// baseBufferCap is the initial capacity of a checkpoint buffer. A full device
// snapshot of a small guest fits without growing.
const baseBufferCap = 4 << 20

// Buffer is the growable checkpoint buffer. It holds one serialized machine
// snapshot per round and is owned by a single checkpoint worker; it is not
// safe for concurrent use. The zero value is usable but starts empty, prefer
// [NewBuffer] to pre-size the backing array.
type Buffer struct {
	data []byte
}

// NewBuffer returns a buffer with the base checkpoint capacity.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, 0, baseBufferCap)}
}

// Reset truncates the buffer to length zero, retaining capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the buffered contents. The slice is valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Write appends p, growing as needed. It never fails; the error return
// satisfies [io.Writer] so the buffer can serve as the serializer's write
// view.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Reader returns a read view over the current contents, used to feed the
// state loader on the secondary.
func (b *Buffer) Reader() *bytes.Reader {
	return bytes.NewReader(b.data)
}

// extend grows the buffer by n bytes and returns the newly added region.
func (b *Buffer) extend(n int) []byte {
	l := len(b.data)
	if cap(b.data)-l < n {
		grown := make([]byte, l, l+n)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:l+n]
	return b.data[l:]
}
