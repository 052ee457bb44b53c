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
	"time"

	"github.com/NealSCarffery/qemu-colo/colo/wire"
)

// checkpoint performs one primary-side transaction: the five-token handshake
// with state capture and transfer in between. Every token is a one-way
// handshake; the peer may still be working on its local step when the next
// token goes out. On any error the transaction is abandoned as-is and the
// caller enters the failure path; the machine is left for the failover
// action to resume.
func (p *Primary) checkpoint() error {
	start := p.clock.Now()
	conn := p.cfg.Conn

	if err := wire.Put(conn, wire.TokenCheckpointNew); err != nil {
		return err
	}
	if err := wire.Expect(conn, wire.TokenCheckpointSuspended); err != nil {
		return err
	}

	p.buf.Reset()
	if p.failover.Requested() {
		return ErrFailoverRequested
	}

	p.cfg.Lock.Lock()
	p.cfg.VM.Stop()
	p.cfg.Lock.Unlock()

	// A deferred failover may have fired while the lock was held for the
	// stop; it must win before any state leaves this side.
	if p.failover.Requested() {
		return ErrFailoverRequested
	}

	if err := p.cfg.Serializer.SaveBegin(p.buf, SaveParams{LiveBlockMigration: false}); err != nil {
		return fmt.Errorf("colo: serializing device state: %w", err)
	}
	if err := p.cfg.Serializer.SaveComplete(p.buf); err != nil {
		return fmt.Errorf("colo: completing device state: %w", err)
	}
	if err := p.cfg.Proxy.Checkpoint(); err != nil {
		return fmt.Errorf("colo: proxy checkpoint: %w", err)
	}

	if err := wire.Put(conn, wire.TokenCheckpointSend); err != nil {
		return err
	}
	if err := wire.PutPayload(conn, p.buf.Bytes()); err != nil {
		return err
	}
	checkpointBytesMeter.Mark(int64(p.buf.Len()))

	if err := wire.Expect(conn, wire.TokenCheckpointReceived); err != nil {
		return err
	}
	if err := wire.Expect(conn, wire.TokenCheckpointLoaded); err != nil {
		return err
	}

	if p.shutdownRequested.CompareAndSwap(true, false) {
		if err := wire.Put(conn, wire.TokenGuestShutdown); err != nil {
			return err
		}
		p.cfg.Lock.Lock()
		p.cfg.VM.RequestCoreShutdown()
		p.cfg.Lock.Unlock()
		p.shutdownSent = true
	}

	p.cfg.Lock.Lock()
	p.cfg.VM.Start()
	p.cfg.Lock.Unlock()

	checkpointCounter.Inc(1)
	checkpointTimer.Update(time.Duration(p.clock.Now() - start))
	p.log.Debug("Checkpoint complete", "size", p.buf.Len(), "elapsed", time.Duration(p.clock.Now()-start))
	return nil
}
