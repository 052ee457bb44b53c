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

// Package mainloop runs the main event thread: deferred tasks scheduled from
// any goroutine execute there one at a time, in order. Checkpoint workers use
// it for the failover action and session cleanup so those can take the
// machine lock without reentering the worker.
package mainloop

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Loop is a single-goroutine task executor. The zero value is not usable;
// call [New] and then [Loop.Start].
type Loop struct {
	mu    sync.Mutex
	tasks []func()

	wake chan struct{}
	quit chan struct{}
	done sync.WaitGroup
}

// New returns an unstarted loop.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Start launches the event goroutine.
func (l *Loop) Start() {
	l.done.Add(1)
	go l.run()
}

// Schedule queues a task for execution on the event goroutine. It never
// blocks. Tasks scheduled after Stop are dropped.
func (l *Loop) Schedule(task func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the loop after draining already-queued tasks and waits for
// the event goroutine to exit.
func (l *Loop) Stop() {
	close(l.quit)
	l.done.Wait()
}

func (l *Loop) run() {
	defer l.done.Done()

	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.quit:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.invoke(task)
	}
}

func (l *Loop) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Deferred task panicked", "err", r)
		}
	}()
	task()
}
