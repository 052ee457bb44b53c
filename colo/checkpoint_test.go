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
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NealSCarffery/qemu-colo/colo/wire"
)

// peer runs the remote side of a transaction script and reports its error.
func peer(conn net.Conn, script func(net.Conn) error) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- script(conn)
	}()
	return errc
}

func newCheckpointPrimary(conn net.Conn, vm *fakeVM, ser *fakeSerializer, prox *stubProxy) *Primary {
	p := NewPrimary(PrimaryConfig{
		Conn:       conn,
		VM:         vm,
		Serializer: ser,
		Proxy:      prox,
		Status:     NewStatusStore(StatusColo),
		Lock:       new(sync.Mutex),
		Scheduler:  new(countingScheduler),
	})
	p.buf = wire.NewBuffer()
	return p
}

func TestPrimaryCheckpointHappy(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	ser := &fakeSerializer{payload: bytes.Repeat([]byte{0xcb}, 128<<10)}
	prox := new(stubProxy)
	p := newCheckpointPrimary(local, vm, ser, prox)

	var got []byte
	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointNew); err != nil {
			return err
		}
		if err := wire.Put(c, wire.TokenCheckpointSuspended); err != nil {
			return err
		}
		if err := wire.Expect(c, wire.TokenCheckpointSend); err != nil {
			return err
		}
		buf := wire.NewBuffer()
		if err := wire.GetPayload(c, buf); err != nil {
			return err
		}
		got = append([]byte(nil), buf.Bytes()...)
		if err := wire.Put(c, wire.TokenCheckpointReceived); err != nil {
			return err
		}
		return wire.Put(c, wire.TokenCheckpointLoaded)
	})

	require.NoError(t, p.checkpoint())
	require.NoError(t, <-errc)

	want := append([]byte("HDR:"), ser.payload...)
	assert.Equal(t, want, got, "payload on the wire must match the serializer output")
	assert.Equal(t, []string{"stop", "start"}, vm.Transitions())
	assert.True(t, vm.IsRunning())
	assert.Len(t, prox.Checkpoints(), 1)

	params := ser.Params()
	require.Len(t, params, 1)
	assert.False(t, params[0].LiveBlockMigration, "checkpoint serialization must disable block migration")
}

func TestPrimaryCheckpointProtocolViolation(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	p := newCheckpointPrimary(local, vm, &fakeSerializer{}, new(stubProxy))

	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointNew); err != nil {
			return err
		}
		return wire.Put(c, wire.TokenCheckpointLoaded) // out of order
	})

	err := p.checkpoint()
	require.Error(t, err)
	var tokenErr *wire.UnexpectedTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, wire.TokenCheckpointSuspended, tokenErr.Want)
	assert.Equal(t, wire.TokenCheckpointLoaded, tokenErr.Got)
	require.NoError(t, <-errc)

	// The transaction aborted before the stop, the machine was not touched.
	assert.Empty(t, vm.Transitions())
}

func TestPrimaryCheckpointFailoverAbort(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	p := newCheckpointPrimary(local, vm, &fakeSerializer{}, new(stubProxy))
	p.LostHeartbeat()

	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointNew); err != nil {
			return err
		}
		return wire.Put(c, wire.TokenCheckpointSuspended)
	})

	err := p.checkpoint()
	require.ErrorIs(t, err, ErrFailoverRequested)
	require.NoError(t, <-errc)
	assert.Empty(t, vm.Transitions(), "failover must win before the machine is stopped")
}

func TestPrimaryCheckpointSerializerError(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	ser := &fakeSerializer{beginErr: errBoom}
	p := newCheckpointPrimary(local, vm, ser, new(stubProxy))

	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointNew); err != nil {
			return err
		}
		return wire.Put(c, wire.TokenCheckpointSuspended)
	})

	err := p.checkpoint()
	require.ErrorIs(t, err, errBoom)
	require.NoError(t, <-errc)
	// The machine stays stopped; the failover action resumes it.
	assert.Equal(t, []string{"stop"}, vm.Transitions())
}

func TestPrimaryCheckpointGuestShutdownTail(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	ser := &fakeSerializer{payload: []byte("state")}
	p := newCheckpointPrimary(local, vm, ser, new(stubProxy))
	p.RequestGuestShutdown()

	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointNew); err != nil {
			return err
		}
		if err := wire.Put(c, wire.TokenCheckpointSuspended); err != nil {
			return err
		}
		if err := wire.Expect(c, wire.TokenCheckpointSend); err != nil {
			return err
		}
		buf := wire.NewBuffer()
		if err := wire.GetPayload(c, buf); err != nil {
			return err
		}
		if err := wire.Put(c, wire.TokenCheckpointReceived); err != nil {
			return err
		}
		if err := wire.Put(c, wire.TokenCheckpointLoaded); err != nil {
			return err
		}
		return wire.Expect(c, wire.TokenGuestShutdown)
	})

	require.NoError(t, p.checkpoint())
	require.NoError(t, <-errc)
	assert.Equal(t, 1, vm.Shutdowns())
	assert.True(t, p.shutdownSent)
	assert.False(t, p.shutdownRequested.Load(), "the latch must clear once forwarded")
}

func newCheckpointSecondary(conn net.Conn, vm *fakeVM, loader *fakeLoader, prox *stubProxy) *Secondary {
	s := NewSecondary(SecondaryConfig{
		Conn:      conn,
		VM:        vm,
		Loader:    loader,
		Proxy:     prox,
		Status:    NewStatusStore(StatusColo),
		Lock:      new(sync.Mutex),
		Scheduler: new(countingScheduler),
	})
	s.buf = wire.NewBuffer()
	return s
}

func TestSecondaryHandleCheckpoint(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	loader := new(fakeLoader)
	prox := new(stubProxy)
	s := newCheckpointSecondary(local, vm, loader, prox)

	payload := bytes.Repeat([]byte{0x5e}, 128<<10)
	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointSuspended); err != nil {
			return err
		}
		if err := wire.Put(c, wire.TokenCheckpointSend); err != nil {
			return err
		}
		if err := wire.PutPayload(c, payload); err != nil {
			return err
		}
		if err := wire.Expect(c, wire.TokenCheckpointReceived); err != nil {
			return err
		}
		return wire.Expect(c, wire.TokenCheckpointLoaded)
	})

	require.NoError(t, s.handleCheckpoint())
	require.NoError(t, <-errc)

	loaded := loader.Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, payload, loaded[0])
	assert.Equal(t, []string{"stop", "reset", "start"}, vm.Transitions())
	assert.True(t, vm.IsRunning())
	assert.Len(t, prox.Checkpoints(), 1)
	assert.False(t, s.loading.isLoading())
}

func TestSecondaryHandleCheckpointLoadFailure(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	loader := &fakeLoader{err: errBoom}
	s := newCheckpointSecondary(local, vm, loader, new(stubProxy))

	errc := peer(remote, func(c net.Conn) error {
		if err := wire.Expect(c, wire.TokenCheckpointSuspended); err != nil {
			return err
		}
		if err := wire.Put(c, wire.TokenCheckpointSend); err != nil {
			return err
		}
		if err := wire.PutPayload(c, []byte("state")); err != nil {
			return err
		}
		return wire.Expect(c, wire.TokenCheckpointReceived)
	})

	err := s.handleCheckpoint()
	require.ErrorIs(t, err, errBoom)
	require.NoError(t, <-errc)
	assert.False(t, s.loading.isLoading(), "the loading gate must clear on failure")
	assert.Equal(t, []string{"stop", "reset"}, vm.Transitions())
}

func TestSecondaryHandleCheckpointFailoverAbort(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	vm := &fakeVM{running: true}
	s := newCheckpointSecondary(local, vm, new(fakeLoader), new(stubProxy))
	s.LostHeartbeat()

	require.ErrorIs(t, s.handleCheckpoint(), ErrFailoverRequested)
	assert.Empty(t, vm.Transitions())
}

func TestSecondaryWaitCommand(t *testing.T) {
	tests := []struct {
		name      string
		token     wire.Token
		request   bool
		wantErr   error
		shutdowns int
	}{
		{name: "checkpoint", token: wire.TokenCheckpointNew, request: true},
		{name: "guest shutdown", token: wire.TokenGuestShutdown, wantErr: errShutdownReceived, shutdowns: 1},
		{name: "unknown", token: wire.Token(0x99), wantErr: errors.New("unexpected command")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			defer local.Close()
			defer remote.Close()

			vm := &fakeVM{running: true}
			s := newCheckpointSecondary(local, vm, new(fakeLoader), new(stubProxy))

			errc := peer(remote, func(c net.Conn) error {
				return wire.Put(c, tt.token)
			})

			request, err := s.waitCommand()
			require.NoError(t, <-errc)
			assert.Equal(t, tt.request, request)
			switch {
			case tt.wantErr == nil:
				assert.NoError(t, err)
			case errors.Is(tt.wantErr, errShutdownReceived):
				assert.ErrorIs(t, err, errShutdownReceived)
			default:
				assert.ErrorContains(t, err, "unexpected command")
			}
			assert.Equal(t, tt.shutdowns, vm.Shutdowns())
		})
	}
}
