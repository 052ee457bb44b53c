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

// Package proxy mirrors outbound guest traffic from both machines of a COLO
// pair and reports divergence between them. Only the queue plumbing lives
// here; the device layer feeds packets in, and the checkpoint loop polls
// Compare. Packet contents are matched byte for byte.
package proxy

import (
	"bytes"
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/NealSCarffery/qemu-colo/colo"
)

// ErrNotRunning is returned when packets arrive or comparisons are requested
// outside an Init/Destroy window.
var ErrNotRunning = errors.New("proxy: not initialized")

// connQueues holds the not-yet-matched outbound packets of one mirrored
// connection, one FIFO per machine.
type connQueues struct {
	primary   [][]byte
	secondary [][]byte
}

// Service is a byte-equality packet comparer. It implements the core's Proxy
// interface.
type Service struct {
	log log.Logger

	mu       sync.Mutex
	running  bool
	role     colo.Role
	conns    mapset.Set[uint64]
	queues   map[uint64]*connQueues
	diverged bool

	released int64 // matched primary packets freed to the wire
}

// NewService returns an idle proxy.
func NewService(logger log.Logger) *Service {
	if logger == nil {
		logger = log.Root()
	}
	return &Service{
		log:    logger.New("module", "colo-proxy"),
		conns:  mapset.NewSet[uint64](),
		queues: make(map[uint64]*connQueues),
	}
}

// Init prepares the mirroring state for the given role.
func (s *Service) Init(role colo.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("proxy: already initialized")
	}
	s.running = true
	s.role = role
	s.diverged = false
	s.log.Info("Proxy initialized", "role", role)
	return nil
}

// Destroy drops all mirroring state.
func (s *Service) Destroy(role colo.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.conns.Clear()
	s.queues = make(map[uint64]*connQueues)
	s.log.Info("Proxy destroyed", "role", role)
}

// EnqueuePrimary records an outbound packet of the primary machine on the
// given mirrored connection.
func (s *Service) EnqueuePrimary(conn uint64, pkt []byte) error {
	return s.enqueue(conn, pkt, true)
}

// EnqueueSecondary records an outbound packet of the secondary machine.
func (s *Service) EnqueueSecondary(conn uint64, pkt []byte) error {
	return s.enqueue(conn, pkt, false)
}

func (s *Service) enqueue(conn uint64, pkt []byte, primary bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.conns.Add(conn)
	q := s.queues[conn]
	if q == nil {
		q = new(connQueues)
		s.queues[conn] = q
	}
	buf := append([]byte(nil), pkt...)
	if primary {
		q.primary = append(q.primary, buf)
	} else {
		q.secondary = append(q.secondary, buf)
	}
	return nil
}

// Compare matches queued packet pairs across all mirrored connections.
// Matched primary packets are released to the wire; the first mismatch
// latches divergence until the next checkpoint.
func (s *Service) Compare() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false, ErrNotRunning
	}
	for conn, q := range s.queues {
		for len(q.primary) > 0 && len(q.secondary) > 0 {
			p, sec := q.primary[0], q.secondary[0]
			if !bytes.Equal(p, sec) {
				s.diverged = true
				s.log.Debug("Packet divergence", "conn", conn, "primary", len(p), "secondary", len(sec))
				break
			}
			q.primary = q.primary[1:]
			q.secondary = q.secondary[1:]
			s.released++
		}
		if s.diverged {
			break
		}
	}
	return s.diverged, nil
}

// Checkpoint resets the mirrored queues so comparison resumes from a clean
// baseline. Unmatched primary packets are released: the secondary is about to
// become state-equivalent, so withholding them serves nothing.
func (s *Service) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	for _, q := range s.queues {
		s.released += int64(len(q.primary))
		q.primary = nil
		q.secondary = nil
	}
	s.diverged = false
	return nil
}

// Failover promotes the secondary's mirrored traffic to be authoritative and
// drops the primary's pending queues.
func (s *Service) Failover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		q.primary = nil
	}
	s.diverged = false
	s.log.Info("Proxy failover, secondary traffic now authoritative")
}

// Connections returns the number of live mirrored connections.
func (s *Service) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns.Cardinality()
}

// Released returns how many matched primary packets have been freed to the
// wire since Init.
func (s *Service) Released() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

var _ colo.Proxy = (*Service)(nil)
