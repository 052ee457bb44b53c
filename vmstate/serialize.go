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

package vmstate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"

	"github.com/NealSCarffery/qemu-colo/colo"
)

var snapshotMagic = [8]byte{'Q', 'C', 'O', 'L', 'O', 'V', 'M', 'S'}

const snapshotVersion uint32 = 1

var (
	// ErrBadMagic rejects a stream that does not open with the snapshot
	// magic.
	ErrBadMagic = errors.New("vmstate: bad snapshot magic")
	// ErrBadVersion rejects a snapshot version this build cannot load.
	ErrBadVersion = errors.New("vmstate: unsupported snapshot version")
	// ErrSaveNotBegun is returned by SaveComplete without a prior SaveBegin.
	ErrSaveNotBegun = errors.New("vmstate: save not begun")
)

// The RLP snapshot body. Map contents are flattened into sorted slices so
// identical machines always produce identical bytes.
type deviceEntry struct {
	Name string
	Data []byte
}

type ramEntry struct {
	Frame uint64
	Data  []byte
}

type snapshot struct {
	Serial  uint64
	Devices []deviceEntry
	Pages   []ramEntry
}

func (m *Machine) saveSnapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := snapshot{Serial: m.serial}
	for _, name := range slices.Sorted(maps.Keys(m.devices)) {
		snap.Devices = append(snap.Devices, deviceEntry{Name: name, Data: m.devices[name]})
	}
	frames := make([]uint64, 0, len(m.ram))
	for f := range m.ram {
		frames = append(frames, f)
	}
	slices.Sort(frames)
	for _, f := range frames {
		snap.Pages = append(snap.Pages, ramEntry{Frame: f, Data: m.ram[f]})
	}
	return snap
}

// SaveBegin opens a snapshot stream: magic, then version. Live block
// migration is not supported on the checkpoint channel; disk replication
// runs outside it.
func (m *Machine) SaveBegin(w io.Writer, params colo.SaveParams) error {
	if params.LiveBlockMigration {
		return errors.New("vmstate: block migration must be disabled on the checkpoint channel")
	}
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], snapshotVersion)
	if _, err := w.Write(ver[:]); err != nil {
		return err
	}
	m.saveOpen = true
	return nil
}

// SaveComplete writes the full device and RAM snapshot and closes the
// stream. The machine must be stopped; the caller holds the machine lock.
func (m *Machine) SaveComplete(w io.Writer) error {
	if !m.saveOpen {
		return ErrSaveNotBegun
	}
	m.saveOpen = false

	sw := snappy.NewBufferedWriter(w)
	if err := rlp.Encode(sw, m.saveSnapshot()); err != nil {
		return fmt.Errorf("vmstate: encoding snapshot: %w", err)
	}
	return sw.Close()
}

// LoadState verifies the stream header and atomically installs the decoded
// snapshot. On any error the previous machine content is kept.
func (m *Machine) LoadState(r io.Reader) error {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("vmstate: reading snapshot header: %w", err)
	}
	if !bytes.Equal(hdr[:8], snapshotMagic[:]) {
		return ErrBadMagic
	}
	if v := binary.BigEndian.Uint32(hdr[8:]); v != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	var snap snapshot
	if err := rlp.Decode(snappy.NewReader(r), &snap); err != nil {
		return fmt.Errorf("vmstate: decoding snapshot: %w", err)
	}

	devices := make(map[string][]byte, len(snap.Devices))
	for _, d := range snap.Devices {
		devices[d.Name] = d.Data
	}
	ram := make(map[uint64][]byte, len(snap.Pages))
	for _, p := range snap.Pages {
		if m.cache != nil {
			if cached, ok := m.cache.Page(p.Frame); ok && bytes.Equal(cached, p.Data) {
				m.cacheSkips.Add(1)
			} else {
				m.cache.StorePage(p.Frame, p.Data)
			}
		}
		ram[p.Frame] = p.Data
	}

	m.mu.Lock()
	m.devices = devices
	m.ram = ram
	m.serial = snap.Serial
	m.mu.Unlock()
	return nil
}

var (
	_ colo.VM         = (*Machine)(nil)
	_ colo.Serializer = (*Machine)(nil)
	_ colo.Loader     = (*Machine)(nil)
	_ colo.Hotplug    = (*Machine)(nil)
)
