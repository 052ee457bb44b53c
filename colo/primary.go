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
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/NealSCarffery/qemu-colo/colo/wire"
)

// PrimaryConfig wires a primary checkpoint loop to its collaborators.
type PrimaryConfig struct {
	// Conn is the migration channel to the secondary. Its write side is the
	// data channel, its read side the control channel.
	Conn io.ReadWriteCloser

	VM         VM
	Serializer Serializer
	Proxy      Proxy
	Status     *StatusStore

	// Lock is the machine lock. The loop takes it only for the explicit
	// critical sections of a transaction, never across network I/O.
	Lock sync.Locker

	// Scheduler runs deferred tasks on the main event thread.
	Scheduler Scheduler

	// Hotplug is optional; device hot-add is suspended for the session.
	Hotplug Hotplug

	// CheckpointPeriod is the forced-checkpoint ceiling. Zero selects
	// DefaultCheckpointPeriod; values below MinCheckpointPeriod are raised
	// to it.
	CheckpointPeriod time.Duration

	// Cleanup, if set, is scheduled on the main thread once the loop has
	// drained, mirroring the migration-cleanup bottom half.
	Cleanup func()

	Clock  mclock.Clock // optional, defaults to mclock.System
	Logger log.Logger   // optional
}

func (cfg *PrimaryConfig) sanitize() {
	if cfg.CheckpointPeriod == 0 {
		cfg.CheckpointPeriod = DefaultCheckpointPeriod
	}
	if cfg.CheckpointPeriod < MinCheckpointPeriod {
		cfg.CheckpointPeriod = MinCheckpointPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	if cfg.Hotplug == nil {
		cfg.Hotplug = noopHotplug{}
	}
}

type noopHotplug struct{}

func (noopHotplug) SetAllowed(allowed bool) bool { return true }

// Primary runs the checkpoint loop of the machine serving real work. Create
// one per replication session and call [Primary.Run] from a dedicated
// checkpoint worker goroutine.
type Primary struct {
	cfg   PrimaryConfig
	log   log.Logger
	clock mclock.Clock

	failover *Failover
	buf      *wire.Buffer
	period   atomic.Int64
	reason   atomic.Int32

	shutdownRequested atomic.Bool
	shutdownSent      bool // worker-local

	feed event.Feed
}

// NewPrimary returns an unstarted primary loop.
func NewPrimary(cfg PrimaryConfig) *Primary {
	cfg.sanitize()
	p := &Primary{
		cfg:   cfg,
		log:   cfg.Logger.New("colo", RolePrimary),
		clock: cfg.Clock,
	}
	p.period.Store(int64(cfg.CheckpointPeriod))
	p.failover = NewFailover(cfg.Scheduler, p.failoverAction)
	return p
}

// LostHeartbeat is the management entry point for abandoning replication.
func (p *Primary) LostHeartbeat() {
	p.setReason(ReasonRequested)
	p.failover.Request()
}

// SetCheckpointPeriod adjusts the forced-checkpoint ceiling. No lower bound
// is applied here; MinCheckpointPeriod still governs the actual rate.
func (p *Primary) SetCheckpointPeriod(d time.Duration) {
	p.period.Store(int64(d))
	p.log.Info("Checkpoint period updated", "period", d)
}

// Period returns the current forced-checkpoint ceiling.
func (p *Primary) Period() time.Duration {
	return time.Duration(p.period.Load())
}

// RequestGuestShutdown latches a guest shutdown. The next successful
// checkpoint forwards it to the secondary and requests core shutdown.
func (p *Primary) RequestGuestShutdown() {
	p.shutdownRequested.Store(true)
}

// SubscribeFailover delivers one FailoverEvent when the deferred failover
// action has completed.
func (p *Primary) SubscribeFailover(ch chan<- FailoverEvent) event.Subscription {
	return p.feed.Subscribe(ch)
}

func (p *Primary) setReason(r FailoverReason) {
	p.reason.CompareAndSwap(int32(ReasonNone), int32(r))
}

// Run executes the primary checkpoint loop until failure, failover or guest
// shutdown, then drains. It blocks for the lifetime of the session.
func (p *Primary) Run() error {
	if err := p.cfg.Proxy.Init(RolePrimary); err != nil {
		return fmt.Errorf("%w: %v", ErrProxyInit, err)
	}
	prev := p.cfg.Hotplug.SetAllowed(false)
	defer p.cfg.Hotplug.SetAllowed(prev)

	err := p.run()
	if err != nil {
		p.log.Error("Checkpoint loop failed", "err", err)
		p.setReason(ReasonError)
	} else if !p.shutdownSent {
		p.setReason(ReasonRequested)
	}
	p.terminate()
	return err
}

func (p *Primary) run() error {
	if err := wire.Expect(p.cfg.Conn, wire.TokenReady); err != nil {
		return err
	}
	if !p.cfg.Status.Transition(StatusActive, StatusColo) {
		return fmt.Errorf("colo: cannot enter COLO from migration status %s", p.cfg.Status.Get())
	}
	p.log.Info("Entered COLO mode", "period", p.Period())
	p.buf = wire.NewBuffer()

	p.cfg.Lock.Lock()
	p.cfg.VM.Start()
	p.cfg.Lock.Unlock()

	checkpointTime := p.clock.Now()
	for p.cfg.Status.Is(StatusColo) {
		if p.failover.Requested() {
			return nil
		}
		divergence, err := p.cfg.Proxy.Compare()
		if err != nil {
			return fmt.Errorf("colo: proxy compare: %w", err)
		}
		elapsed := time.Duration(p.clock.Now() - checkpointTime)
		if divergence {
			divergenceCounter.Inc(1)
			if elapsed < MinCheckpointPeriod {
				p.clock.Sleep(MinCheckpointPeriod - elapsed)
			}
		} else if elapsed < max(p.Period(), MinCheckpointPeriod) {
			p.clock.Sleep(comparePollInterval)
			continue
		}
		if err := p.checkpoint(); err != nil {
			return err
		}
		checkpointTime = p.clock.Now()
		if p.shutdownSent {
			p.log.Info("Guest shutdown forwarded, leaving COLO")
			return nil
		}
	}
	return nil
}

// terminate drains the loop: the failover request is raised if nobody beat
// us to it, and no resource is released before the deferred action has
// completed.
func (p *Primary) terminate() {
	p.cfg.Lock.Lock()
	if !p.failover.Requested() {
		p.failover.Request()
	}
	p.cfg.Lock.Unlock()

	p.failover.AwaitCompleted()
	p.failover.Clear()

	p.buf = nil
	p.cfg.Conn.Close()
	if p.cfg.Cleanup != nil {
		p.cfg.Scheduler.Schedule(p.cfg.Cleanup)
	}
	p.log.Info("Primary checkpoint loop drained")
}

// failoverAction is the deferred task run on the main event thread after the
// first failover request.
func (p *Primary) failoverAction() {
	p.cfg.Lock.Lock()
	if p.cfg.VM.IsRunning() {
		p.cfg.VM.Stop()
	}
	p.cfg.Lock.Unlock()

	p.cfg.Proxy.Destroy(RolePrimary)

	if !p.cfg.Status.Transition(StatusColo, StatusCompleted) && !p.cfg.Status.Is(StatusFailed) {
		p.log.Warn("Unexpected migration status during failover", "status", p.cfg.Status.Get())
	}

	p.cfg.Lock.Lock()
	p.cfg.VM.Start()
	p.cfg.Lock.Unlock()

	p.feed.Send(FailoverEvent{Role: RolePrimary, Reason: FailoverReason(p.reason.Load())})
	p.failover.Complete()
	p.log.Info("Primary failover complete", "status", p.cfg.Status.Get())
}
