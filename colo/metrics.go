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

import "github.com/ethereum/go-ethereum/metrics"

var (
	checkpointCounter    = metrics.NewRegisteredCounter("colo/checkpoint/rounds", nil)
	checkpointBytesMeter = metrics.NewRegisteredMeter("colo/checkpoint/bytes", nil)
	checkpointTimer      = metrics.NewRegisteredTimer("colo/checkpoint/duration", nil)
	divergenceCounter    = metrics.NewRegisteredCounter("colo/proxy/divergence", nil)
	failoverCounter      = metrics.NewRegisteredCounter("colo/failover/requests", nil)
	loadFailureCounter   = metrics.NewRegisteredCounter("colo/load/failures", nil)
)
