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
	"errors"
	"io"
	"sync"
	"time"
)

type fakeVM struct {
	mu          sync.Mutex
	running     bool
	transitions []string
	shutdowns   int
}

func (v *fakeVM) record(s string) {
	v.mu.Lock()
	v.transitions = append(v.transitions, s)
	v.mu.Unlock()
}

func (v *fakeVM) Start() {
	v.mu.Lock()
	v.running = true
	v.mu.Unlock()
	v.record("start")
}

func (v *fakeVM) Stop() {
	v.mu.Lock()
	v.running = false
	v.mu.Unlock()
	v.record("stop")
}

func (v *fakeVM) IsRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

func (v *fakeVM) ResetSilent() { v.record("reset") }

func (v *fakeVM) RequestCoreShutdown() {
	v.mu.Lock()
	v.shutdowns++
	v.mu.Unlock()
	v.record("shutdown")
}

func (v *fakeVM) Transitions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.transitions...)
}

func (v *fakeVM) Shutdowns() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shutdowns
}

type fakeSerializer struct {
	payload     []byte
	beginErr    error
	completeErr error

	mu     sync.Mutex
	params []SaveParams
}

func (s *fakeSerializer) SaveBegin(w io.Writer, params SaveParams) error {
	s.mu.Lock()
	s.params = append(s.params, params)
	s.mu.Unlock()
	if s.beginErr != nil {
		return s.beginErr
	}
	_, err := w.Write([]byte("HDR:"))
	return err
}

func (s *fakeSerializer) SaveComplete(w io.Writer) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	_, err := w.Write(s.payload)
	return err
}

func (s *fakeSerializer) Params() []SaveParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SaveParams(nil), s.params...)
}

type fakeLoader struct {
	mu     sync.Mutex
	loaded [][]byte
	err    error
}

func (l *fakeLoader) LoadState(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	l.loaded = append(l.loaded, data)
	l.mu.Unlock()
	return nil
}

func (l *fakeLoader) Loaded() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.loaded...)
}

type stubProxy struct {
	compare       func() (bool, error)
	checkpointErr error
	initErr       error

	mu          sync.Mutex
	inits       int
	destroys    int
	failovers   int
	checkpoints []time.Time
}

func (p *stubProxy) Init(Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initErr != nil {
		return p.initErr
	}
	p.inits++
	return nil
}

func (p *stubProxy) Destroy(Role) {
	p.mu.Lock()
	p.destroys++
	p.mu.Unlock()
}

func (p *stubProxy) Checkpoint() error {
	if p.checkpointErr != nil {
		return p.checkpointErr
	}
	p.mu.Lock()
	p.checkpoints = append(p.checkpoints, time.Now())
	p.mu.Unlock()
	return nil
}

func (p *stubProxy) Compare() (bool, error) {
	if p.compare != nil {
		return p.compare()
	}
	return false, nil
}

func (p *stubProxy) Failover() {
	p.mu.Lock()
	p.failovers++
	p.mu.Unlock()
}

func (p *stubProxy) Checkpoints() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.checkpoints...)
}

func (p *stubProxy) Counts() (inits, destroys, failovers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.destroys, p.failovers
}

// countingScheduler records scheduled tasks without running them.
type countingScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (c *countingScheduler) Schedule(task func()) {
	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
}

func (c *countingScheduler) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *countingScheduler) RunAll() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

var errBoom = errors.New("boom")
