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

import "errors"

var (
	// ErrFailoverRequested aborts a checkpoint transaction when a failover
	// request is observed at one of its safe points.
	ErrFailoverRequested = errors.New("colo: failover requested")

	// ErrProxyInit is wrapped around proxy initialization failures.
	ErrProxyInit = errors.New("colo: proxy initialization failed")

	// ErrPeerLost is returned by the secondary loop when its channel dies
	// and no failover decision arrives within the grace window.
	ErrPeerLost = errors.New("colo: replication channel lost with primary presumed alive")

	// errShutdownReceived terminates the secondary command loop after a
	// guest-shutdown token. It is internal: the loop translates it into a
	// clean, failover-free teardown.
	errShutdownReceived = errors.New("colo: guest shutdown received")
)
