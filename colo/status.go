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

// Status is the migration status as observed by the COLO core. The core only
// ever moves it with [StatusStore.Transition]; blind assignment is reserved
// for the surrounding migration machinery.
type Status int32

const (
	StatusNone Status = iota
	StatusActive
	StatusColo
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusActive:
		return "active"
	case StatusColo:
		return "colo"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// StatusStore holds the shared migration status word. Transitions are
// compare-and-set so a concurrent external failure marking always wins over
// the core's own completion path.
type StatusStore struct {
	v atomic.Int32
}

// NewStatusStore returns a store initialized to the given status.
func NewStatusStore(initial Status) *StatusStore {
	s := new(StatusStore)
	s.v.Store(int32(initial))
	return s
}

// Get returns the current status.
func (s *StatusStore) Get() Status { return Status(s.v.Load()) }

// Is reports whether the current status equals st.
func (s *StatusStore) Is(st Status) bool { return s.Get() == st }

// Transition atomically moves from one status to another and reports whether
// the swap took place.
func (s *StatusStore) Transition(from, to Status) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// Set overwrites the status unconditionally. Only the external migration
// machinery uses this, e.g. to mark StatusFailed from outside the core.
func (s *StatusStore) Set(st Status) { s.v.Store(int32(st)) }
