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

// Package colo implements the core of a coarse-grain lock-stepping
// fault-tolerance pair: the checkpoint transaction that synchronizes a
// primary machine with its secondary, the per-role checkpoint loops, and the
// failover protocol that drains a session on either side.
//
// The package consumes its collaborators (machine control, state
// serialization, the network proxy, the RAM cache) through interfaces; their
// internals live elsewhere. One checkpoint worker runs per side, so at most
// one transaction is ever in flight between a pair.
package colo

import "time"

const (
	// MinCheckpointPeriod is the floor on the interval between two
	// checkpoints, regardless of how often the proxy reports divergence.
	MinCheckpointPeriod = 100 * time.Millisecond

	// DefaultCheckpointPeriod is the default ceiling after which a checkpoint
	// is forced even without divergence. It only initializes
	// [PrimaryConfig.CheckpointPeriod]; the running loop consults the
	// configured value alone.
	DefaultCheckpointPeriod = 10 * time.Second

	// DefaultFailoverGrace is how long a terminating secondary waits for a
	// late failover decision before concluding the primary is still alive.
	DefaultFailoverGrace = 2 * time.Second

	// comparePollInterval paces the primary's proxy polling while neither
	// divergence nor the period ceiling calls for a checkpoint.
	comparePollInterval = 100 * time.Millisecond
)
