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

// Package vmstate provides the in-memory machine model consumed by the COLO
// core: run-state control plus a streaming device-state serializer and
// loader. The wire encoding is RLP inside a snappy frame; it makes no
// attempt at compatibility with any hypervisor's native snapshot format.
package vmstate

import (
	"sync"
	"sync/atomic"
)

// RunState is the machine's execution state.
type RunState uint32

const (
	RunStatePrelaunch RunState = iota
	RunStateRunning
	RunStateColo
	RunStatePaused
	RunStateShutdown
)

func (s RunState) String() string {
	switch s {
	case RunStatePrelaunch:
		return "prelaunch"
	case RunStateRunning:
		return "running"
	case RunStateColo:
		return "colo"
	case RunStatePaused:
		return "paused"
	case RunStateShutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// PageCache is consulted during a state load to skip installing pages whose
// content is already known. The ramcache package provides the production
// implementation.
type PageCache interface {
	StorePage(frame uint64, data []byte)
	Page(frame uint64) ([]byte, bool)
}

// Machine is a minimal guest machine: a run state, a set of named device
// blobs and a sparse RAM image. Run-state transitions follow the machine
// lock discipline of the checkpoint loops; the internal mutex only keeps the
// device and RAM maps coherent for the serializer.
type Machine struct {
	state atomic.Uint32

	mu       sync.Mutex
	devices  map[string][]byte
	ram      map[uint64][]byte
	serial   uint64
	saveOpen bool

	cache        PageCache
	cacheSkips   atomic.Int64
	resets       atomic.Int64
	hotplugOff   atomic.Bool
	onShutdown   func()
	shutdownOnce sync.Once
}

// NewMachine returns a machine in the prelaunch state.
func NewMachine() *Machine {
	return &Machine{
		devices: make(map[string][]byte),
		ram:     make(map[uint64][]byte),
	}
}

// UsePageCache attaches a dirty-page cache consulted by LoadState.
func (m *Machine) UsePageCache(c PageCache) { m.cache = c }

// OnShutdown registers the callback fired by RequestCoreShutdown. The
// callback runs at most once.
func (m *Machine) OnShutdown(fn func()) { m.onShutdown = fn }

// Start resumes guest execution.
func (m *Machine) Start() { m.state.Store(uint32(RunStateRunning)) }

// Stop force-stops the guest into the COLO run state.
func (m *Machine) Stop() { m.state.Store(uint32(RunStateColo)) }

// Pause stops the guest without entering COLO, the -S analog.
func (m *Machine) Pause() { m.state.Store(uint32(RunStatePaused)) }

// IsRunning reports whether the guest is executing.
func (m *Machine) IsRunning() bool { return m.RunState() == RunStateRunning }

// RunState returns the current execution state.
func (m *Machine) RunState() RunState { return RunState(m.state.Load()) }

// ResetSilent resets the machine without guest-visible reset events. Device
// and RAM content is left in place; the following load replaces it.
func (m *Machine) ResetSilent() {
	m.resets.Add(1)
}

// Resets returns how many silent resets have been issued.
func (m *Machine) Resets() int64 { return m.resets.Load() }

// RequestCoreShutdown fires the registered shutdown callback once.
func (m *Machine) RequestCoreShutdown() {
	m.state.Store(uint32(RunStateShutdown))
	if m.onShutdown != nil {
		m.shutdownOnce.Do(m.onShutdown)
	}
}

// SetAllowed gates device hot-add and returns the previous setting. The
// checkpoint loops suspend hotplug for the lifetime of a session.
func (m *Machine) SetAllowed(allowed bool) (previous bool) {
	return !m.hotplugOff.Swap(!allowed)
}

// HotplugAllowed reports whether device hot-add is currently permitted.
func (m *Machine) HotplugAllowed() bool { return !m.hotplugOff.Load() }

// SetDevice installs or updates a named device blob.
func (m *Machine) SetDevice(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[name] = append([]byte(nil), data...)
	m.serial++
}

// Device returns a copy of a named device blob.
func (m *Machine) Device(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.devices[name]...)
}

// Devices returns a copy of the full device map.
func (m *Machine) Devices() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.devices))
	for k, v := range m.devices {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// WriteRAM installs the content of a guest frame.
func (m *Machine) WriteRAM(frame uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ram[frame] = append([]byte(nil), data...)
	m.serial++
}

// RAMPage returns a copy of a guest frame's content.
func (m *Machine) RAMPage(frame uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.ram[frame]...)
}

// RAM returns a copy of the sparse RAM image.
func (m *Machine) RAM() map[uint64][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64][]byte, len(m.ram))
	for k, v := range m.ram {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Serial returns the mutation counter. Two machines loaded from the same
// snapshot report the same serial.
func (m *Machine) Serial() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

// CacheSkips returns how many page installs were satisfied by the page cache
// during loads.
func (m *Machine) CacheSkips() int64 { return m.cacheSkips.Load() }
