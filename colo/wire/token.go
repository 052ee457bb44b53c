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

// Package wire implements the COLO control-channel codec: fixed-width sync
// tokens and the single length-prefixed payload transfer of a checkpoint
// round. Both sides of a replication pair MUST link against the same token
// table.
package wire

import "fmt"

// Token is a 64-bit sync opcode exchanged on the control and data streams.
// Tokens are encoded big-endian. The values following [TokenReady] are
// contiguous; inserting a token in the middle breaks wire compatibility.
type Token uint64

const (
	TokenReady Token = iota + 0x46
	TokenCheckpointNew
	TokenCheckpointSuspended
	TokenCheckpointSend
	TokenCheckpointReceived
	TokenCheckpointLoaded
	TokenGuestShutdown
)

// Known reports whether t is a member of the shared token table.
func (t Token) Known() bool {
	return t >= TokenReady && t <= TokenGuestShutdown
}

func (t Token) String() string {
	switch t {
	case TokenReady:
		return "ready"
	case TokenCheckpointNew:
		return "checkpoint-new"
	case TokenCheckpointSuspended:
		return "checkpoint-suspended"
	case TokenCheckpointSend:
		return "checkpoint-send"
	case TokenCheckpointReceived:
		return "checkpoint-received"
	case TokenCheckpointLoaded:
		return "checkpoint-loaded"
	case TokenGuestShutdown:
		return "guest-shutdown"
	default:
		return fmt.Sprintf("unknown(%#x)", uint64(t))
	}
}
