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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailoverIdempotentRequest(t *testing.T) {
	sched := new(countingScheduler)
	var runs int
	f := NewFailover(sched, func() { runs++ })

	require.False(t, f.Requested())
	f.Request()
	f.Request()
	f.Request()
	assert.True(t, f.Requested())
	assert.Equal(t, 1, sched.Len(), "repeated requests must schedule exactly one action")

	sched.RunAll()
	assert.Equal(t, 1, runs)
}

func TestFailoverCompletionBarrier(t *testing.T) {
	sched := new(countingScheduler)
	var f *Failover
	f = NewFailover(sched, func() { f.Complete() })
	f.Request()

	done := make(chan struct{})
	go func() {
		f.AwaitCompleted()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitCompleted returned before the action ran")
	case <-time.After(20 * time.Millisecond):
	}

	sched.RunAll()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitCompleted did not observe completion")
	}
	assert.True(t, f.Completed())

	// Complete is a one-shot edge, repeated calls must not panic.
	f.Complete()

	f.Clear()
	assert.False(t, f.Requested())
}
