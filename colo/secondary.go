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
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/NealSCarffery/qemu-colo/colo/wire"
)

// SecondaryConfig wires a secondary checkpoint loop to its collaborators.
type SecondaryConfig struct {
	// Conn is the incoming migration channel. Its read side is the data
	// channel, its write side the control channel back to the primary.
	Conn io.ReadWriteCloser

	VM     VM
	Loader Loader
	Proxy  Proxy
	Status *StatusStore

	// Lock is the machine lock, held for the critical sections of a round
	// and for the whole of a state load.
	Lock sync.Locker

	Scheduler Scheduler
	Hotplug   Hotplug

	// CreateRAMCache builds the dirty-page cache used for fast reloading.
	// Optional; when nil the loader runs uncached.
	CreateRAMCache func() (RAMCache, error)

	// Autostart is the machine's autostart flag. Failover forces it on.
	// Optional; defaults to enabled.
	Autostart *Autostart

	// PostMigration is the continuation resumed by failover to bring the
	// machine live. Optional; the default starts the machine under the lock.
	PostMigration func()

	// FailoverGrace is how long the terminating loop waits for a late
	// failover decision. Zero selects DefaultFailoverGrace.
	FailoverGrace time.Duration

	// Exit terminates the process when the channel is lost and no failover
	// was decided. Optional; defaults to os.Exit.
	Exit func(code int)

	Clock  mclock.Clock
	Logger log.Logger
}

func (cfg *SecondaryConfig) sanitize() {
	if cfg.FailoverGrace == 0 {
		cfg.FailoverGrace = DefaultFailoverGrace
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
	if cfg.Autostart == nil {
		cfg.Autostart = NewAutostart(true)
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
}

// loadGate tracks whether a checkpoint load is in flight. The failover action
// must observe it clear before touching the machine; the loading worker holds
// the machine lock for as long as the gate is set.
type loadGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active bool
}

func newLoadGate() *loadGate {
	g := new(loadGate)
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *loadGate) set(active bool) {
	g.mu.Lock()
	g.active = active
	if !active {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

func (g *loadGate) isLoading() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *loadGate) wait() {
	g.mu.Lock()
	for g.active {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Secondary runs the checkpoint loop of the shadow machine. Create one per
// session and call [Secondary.Run] from a dedicated worker; the loop stands
// in for the halted incoming-migration continuation until it exits.
type Secondary struct {
	cfg   SecondaryConfig
	log   log.Logger
	clock mclock.Clock

	failover *Failover
	incoming *Incoming
	buf      *wire.Buffer
	cache    RAMCache
	loading  *loadGate
	reason   atomic.Int32
	entered  bool // worker-local: COLO was entered
	proxyUp  bool // worker-local: proxy survived Init

	feed event.Feed
}

// NewSecondary returns an unstarted secondary loop.
func NewSecondary(cfg SecondaryConfig) *Secondary {
	cfg.sanitize()
	s := &Secondary{
		cfg:     cfg,
		log:     cfg.Logger.New("colo", RoleSecondary),
		clock:   cfg.Clock,
		loading: newLoadGate(),
	}
	resume := cfg.PostMigration
	if resume == nil {
		resume = func() {
			s.cfg.Lock.Lock()
			s.cfg.VM.Start()
			s.cfg.Lock.Unlock()
			s.log.Info("Machine live after failover")
		}
	}
	s.incoming = NewIncoming(resume)
	s.failover = NewFailover(cfg.Scheduler, s.failoverAction)
	return s
}

// LostHeartbeat is the management entry point for taking over from a dead
// primary.
func (s *Secondary) LostHeartbeat() {
	s.setReason(ReasonRequested)
	s.failover.Request()
}

// SubscribeFailover delivers one FailoverEvent when the deferred failover
// action has completed.
func (s *Secondary) SubscribeFailover(ch chan<- FailoverEvent) event.Subscription {
	return s.feed.Subscribe(ch)
}

func (s *Secondary) setReason(r FailoverReason) {
	s.reason.CompareAndSwap(int32(ReasonNone), int32(r))
}

// Run executes the secondary checkpoint loop until failure, failover or
// guest shutdown, then drains. It blocks for the lifetime of the session.
func (s *Secondary) Run() error {
	prev := s.cfg.Hotplug.SetAllowed(false)
	defer s.cfg.Hotplug.SetAllowed(prev)

	activeSecondary.Store(s)
	defer activeSecondary.CompareAndSwap(s, nil)

	err := s.run()
	if err != nil && !errors.Is(err, errShutdownReceived) {
		s.log.Error("Checkpoint loop failed", "err", err)
		s.setReason(ReasonError)
	}
	return s.terminate(err)
}

func (s *Secondary) run() error {
	if err := s.cfg.Proxy.Init(RoleSecondary); err != nil {
		return fmt.Errorf("%w: %v", ErrProxyInit, err)
	}
	s.proxyUp = true
	if s.cfg.CreateRAMCache != nil {
		cache, err := s.cfg.CreateRAMCache()
		if err != nil {
			return fmt.Errorf("colo: creating RAM cache: %w", err)
		}
		s.cache = cache
	}
	s.buf = wire.NewBuffer()

	if err := wire.Put(s.cfg.Conn, wire.TokenReady); err != nil {
		return err
	}
	if !s.cfg.Status.Transition(StatusActive, StatusColo) {
		return fmt.Errorf("colo: cannot enter COLO from migration status %s", s.cfg.Status.Get())
	}
	s.entered = true
	s.log.Info("Entered COLO mode")

	s.cfg.Lock.Lock()
	s.cfg.VM.Start()
	s.cfg.Lock.Unlock()

	for {
		request, err := s.waitCommand()
		if err != nil {
			return err
		}
		if !request {
			continue
		}
		if s.failover.Requested() {
			return nil
		}
		if err := s.handleCheckpoint(); err != nil {
			return err
		}
	}
}

// waitCommand blocks on the data channel for the next command from the
// primary. It reports whether a checkpoint was requested.
func (s *Secondary) waitCommand() (request bool, err error) {
	tok, err := wire.GetValue(s.cfg.Conn)
	if err != nil {
		return false, err
	}
	switch tok {
	case wire.TokenCheckpointNew:
		return true, nil
	case wire.TokenGuestShutdown:
		s.log.Info("Guest shutdown requested by primary")
		s.cfg.Lock.Lock()
		s.cfg.VM.RequestCoreShutdown()
		s.cfg.Lock.Unlock()
		return false, errShutdownReceived
	default:
		return false, fmt.Errorf("colo: unexpected command token %s", tok)
	}
}

// handleCheckpoint performs one secondary-side round: suspend, receive, load,
// resume. The machine lock is held across the silent reset and the load so a
// concurrent failover cannot observe a half-installed state.
func (s *Secondary) handleCheckpoint() error {
	if s.failover.Requested() {
		return ErrFailoverRequested
	}

	s.cfg.Lock.Lock()
	s.cfg.VM.Stop()
	s.cfg.Lock.Unlock()

	if err := s.cfg.Proxy.Checkpoint(); err != nil {
		return fmt.Errorf("colo: proxy checkpoint: %w", err)
	}
	if err := wire.Put(s.cfg.Conn, wire.TokenCheckpointSuspended); err != nil {
		return err
	}
	if err := wire.Expect(s.cfg.Conn, wire.TokenCheckpointSend); err != nil {
		return err
	}
	if err := wire.GetPayload(s.cfg.Conn, s.buf); err != nil {
		return err
	}
	if err := wire.Put(s.cfg.Conn, wire.TokenCheckpointReceived); err != nil {
		return err
	}

	view := s.buf.Reader()
	s.cfg.Lock.Lock()
	s.cfg.VM.ResetSilent()
	s.loading.set(true)
	if err := s.cfg.Loader.LoadState(view); err != nil {
		s.loading.set(false)
		s.cfg.Lock.Unlock()
		loadFailureCounter.Inc(1)
		return fmt.Errorf("colo: loading checkpoint: %w", err)
	}
	s.loading.set(false)
	s.cfg.Lock.Unlock()

	if err := wire.Put(s.cfg.Conn, wire.TokenCheckpointLoaded); err != nil {
		return err
	}

	s.cfg.Lock.Lock()
	s.cfg.VM.Start()
	s.cfg.Lock.Unlock()

	s.log.Debug("Checkpoint loaded", "size", s.buf.Len())
	return nil
}

// terminate drains the loop. Without a failover decision the loop grants the
// management layer one grace window, then concludes the primary is alive and
// exits the process; a guest shutdown skips both paths.
func (s *Secondary) terminate(runErr error) error {
	defer func() {
		s.buf = nil
		if s.cache != nil {
			s.cache.Release()
			s.cache = nil
		}
		s.cfg.Conn.Close()
		s.log.Info("Secondary checkpoint loop drained")
	}()

	if errors.Is(runErr, errShutdownReceived) {
		s.cfg.Proxy.Destroy(RoleSecondary)
		return nil
	}
	if errors.Is(runErr, ErrFailoverRequested) {
		runErr = nil
	}

	if s.entered && !s.failover.Requested() {
		s.clock.Sleep(s.cfg.FailoverGrace)
		if !s.failover.Requested() {
			s.cfg.Proxy.Destroy(RoleSecondary)
			s.log.Error("Replication channel lost and no failover decided, exiting")
			s.cfg.Exit(1)
			// Reached only with an injected Exit.
			return errors.Join(ErrPeerLost, runErr)
		}
	}
	if s.failover.Requested() {
		s.failover.AwaitCompleted()
		s.failover.Clear()
	} else if !s.entered && s.proxyUp {
		// Initialization failed before COLO was entered; nothing to drain.
		s.cfg.Proxy.Destroy(RoleSecondary)
	}
	return runErr
}

// failoverAction is the deferred task run on the main event thread after the
// first failover request. It may not release control while a checkpoint load
// holds the machine.
func (s *Secondary) failoverAction() {
	s.loading.wait()

	s.cfg.Proxy.Failover()
	s.cfg.Proxy.Destroy(RoleSecondary)

	if s.cfg.Autostart.Force() {
		s.log.Warn("Overriding paused start (-S), machine resumes after failover")
	}
	s.incoming.Resume()

	s.feed.Send(FailoverEvent{Role: RoleSecondary, Reason: FailoverReason(s.reason.Load())})
	s.failover.Complete()
	s.log.Info("Secondary failover complete")
}
