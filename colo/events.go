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

package colo

// FailoverReason states why a loop abandoned replication.
type FailoverReason int

const (
	// ReasonNone is reported when the loop ended without a failover cause,
	// e.g. after the primary forwarded a guest-initiated shutdown.
	ReasonNone FailoverReason = iota
	// ReasonRequested covers explicit management requests, including lost
	// heartbeats.
	ReasonRequested
	// ReasonError covers channel, serializer and loader failures that ended
	// the checkpoint loop.
	ReasonError
)

func (r FailoverReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonError:
		return "error"
	default:
		return "invalid"
	}
}

// FailoverEvent is published on a loop's event feed when its deferred
// failover action has run to completion.
type FailoverEvent struct {
	Role   Role
	Reason FailoverReason
}
