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

import (
	"sync"
	"sync/atomic"
)

// Incoming is the halted incoming-migration continuation on the secondary.
// The checkpoint loop runs in its place while replication is active; the
// failover action resumes it so the machine is brought live as if the
// migration had just completed. Resume fires the continuation exactly once
// however many times it is called.
type Incoming struct {
	once   sync.Once
	resume func()
}

// NewIncoming wraps the post-migration resume path.
func NewIncoming(resume func()) *Incoming {
	return &Incoming{resume: resume}
}

// Resume runs the continuation. Repeated calls are no-ops.
func (in *Incoming) Resume() {
	in.once.Do(in.resume)
}

// Autostart mirrors the machine's autostart flag: whether the guest starts
// executing once an incoming migration completes. A user-paused start (-S) is
// overridden by failover, with a warning.
type Autostart struct {
	v atomic.Bool
}

// NewAutostart returns the flag in the given initial state.
func NewAutostart(enabled bool) *Autostart {
	a := new(Autostart)
	a.v.Store(enabled)
	return a
}

// Enabled reports the current setting.
func (a *Autostart) Enabled() bool { return a.v.Load() }

// Force enables autostart and reports whether it was previously disabled.
func (a *Autostart) Force() (overrode bool) {
	return !a.v.Swap(true)
}

// activeSecondary is the registered COLO loading context, if any. External
// hooks use it to detect that an incoming channel is in COLO mode and that a
// checkpoint is mid-load.
var activeSecondary atomic.Pointer[Secondary]

// InIncomingColoState reports whether a secondary loop is registered as the
// active incoming-migration context.
func InIncomingColoState() bool {
	return activeSecondary.Load() != nil
}

// VMStateLoading reports whether the registered secondary is currently
// loading a checkpoint. While true, the loading worker holds the machine
// lock.
func VMStateLoading() bool {
	s := activeSecondary.Load()
	return s != nil && s.loading.isLoading()
}
