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

import "sync/atomic"

// Failover arbitrates the transition from replicated to single-machine
// operation. The request flag is latched by the first caller, which also
// schedules the role-specific action on the main event thread; everything
// else polls. Completion is a one-shot barrier: loop teardown may not release
// the channel or the checkpoint buffer before observing it.
type Failover struct {
	sched  Scheduler
	action func()

	requested atomic.Bool
	completed atomic.Bool
	done      chan struct{}
}

// NewFailover returns an arbiter that runs action on sched when the first
// request arrives. The action must end by calling [Failover.Complete].
func NewFailover(sched Scheduler, action func()) *Failover {
	return &Failover{
		sched:  sched,
		action: action,
		done:   make(chan struct{}),
	}
}

// Request latches the failover flag and schedules the deferred action.
// Repeated calls are no-ops: exactly one action runs per loop lifetime.
func (f *Failover) Request() {
	if !f.requested.CompareAndSwap(false, true) {
		return
	}
	failoverCounter.Inc(1)
	f.sched.Schedule(f.action)
}

// Requested is the non-blocking poll used at the transaction safe points and
// the loop join points.
func (f *Failover) Requested() bool { return f.requested.Load() }

// Complete marks the deferred action finished and releases waiters. Safe to
// call more than once.
func (f *Failover) Complete() {
	if f.completed.CompareAndSwap(false, true) {
		close(f.done)
	}
}

// Completed reports whether the deferred action has finished.
func (f *Failover) Completed() bool { return f.completed.Load() }

// AwaitCompleted blocks until the deferred action has finished.
func (f *Failover) AwaitCompleted() { <-f.done }

// Clear drops the request latch. Only the draining loop calls this, after
// AwaitCompleted has returned.
func (f *Failover) Clear() { f.requested.Store(false) }
