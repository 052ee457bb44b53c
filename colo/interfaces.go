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

import "io"

// Role identifies one side of a replication pair. It is fixed at loop entry.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// VM is the subset of machine control the core needs. All methods except
// IsRunning must be called with the machine lock held.
type VM interface {
	// Start resumes guest execution.
	Start()
	// Stop force-stops the guest into the COLO run state.
	Stop()
	// IsRunning reports whether the guest is executing.
	IsRunning() bool
	// ResetSilent resets the machine without emitting guest-visible reset
	// events, in preparation for loading a checkpoint.
	ResetSilent()
	// RequestCoreShutdown asks the hosting process to shut down. It does not
	// block; the main thread performs the actual teardown.
	RequestCoreShutdown()
}

// SaveParams carries the options handed to the state serializer. Checkpoint
// rounds always disable live block migration: disk replication is handled
// outside the device-state channel.
type SaveParams struct {
	LiveBlockMigration bool
}

// Serializer streams the full device state of a stopped machine. SaveBegin
// and SaveComplete bracket one snapshot; both must be called with the machine
// stopped.
type Serializer interface {
	SaveBegin(w io.Writer, params SaveParams) error
	SaveComplete(w io.Writer) error
}

// Loader installs a device-state snapshot previously produced by a
// [Serializer]. Loading is atomic from the core's point of view: a failed
// load leaves the machine in need of failover, not half-updated.
type Loader interface {
	LoadState(r io.Reader) error
}

// Proxy is the network component that mirrors guest traffic to both machines
// and compares their output between checkpoints.
type Proxy interface {
	Init(role Role) error
	Destroy(role Role)
	// Checkpoint snapshots the mirrored queues so packet comparison resumes
	// from a clean baseline.
	Checkpoint() error
	// Compare reports whether the two machines' outbound traffic has
	// diverged since the last checkpoint.
	Compare() (divergence bool, err error)
	// Failover promotes the secondary's mirrored network state to be
	// authoritative.
	Failover()
}

// RAMCache is the dirty-page cache the secondary keeps for fast reloading.
type RAMCache interface {
	Release()
}

// Scheduler defers a task to the main event thread. Tasks run outside the
// checkpoint worker so they can take the machine lock without reentrancy.
type Scheduler interface {
	Schedule(task func())
}

// Hotplug gates device hot-add while a replication session is active.
type Hotplug interface {
	// SetAllowed flips the gate and returns the previous setting.
	SetAllowed(allowed bool) (previous bool)
}
