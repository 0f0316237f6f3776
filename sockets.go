// Copyright 2026 The NusaLaunchd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package nusalaunchd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ListenFdsStart is the first descriptor number used for handed-off
// sockets in the child.
const ListenFdsStart = 3

// boundSocket is a socket held open by the daemon on behalf of a job.
type boundSocket struct {
	spec  SocketSpec
	file  *os.File
	bound string // resolved address, e.g. 127.0.0.1:41234
}

func (b *boundSocket) name() string {
	if b.spec.Name != "" {
		return b.spec.Name
	}
	return b.spec.Network() + ":" + b.bound
}

func (b *boundSocket) close() {
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
}

// closeFinal releases the socket for good, removing the unix socket path.
func (b *boundSocket) closeFinal() {
	b.close()
	if strings.HasPrefix(b.spec.Address, "/") {
		os.Remove(b.spec.Address)
	}
}

type filer interface {
	File() (*os.File, error)
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// bindSocket binds the socket described by spec without accepting on it.
func bindSocket(spec SocketSpec) (*boundSocket, error) {
	network := spec.Network()
	if strings.HasPrefix(spec.Address, "/") {
		if err := removeStaleSocket(spec.Address); err != nil {
			return nil, err
		}
	}

	var f filer
	var closer interface{ Close() error }
	var addr net.Addr
	switch network {
	case "tcp", "unix":
		l, err := net.Listen(network, spec.Address)
		if err != nil {
			return nil, err
		}
		if ul, ok := l.(*net.UnixListener); ok {
			ul.SetUnlinkOnClose(false)
		}
		f, _ = l.(filer)
		closer, addr = l, l.Addr()
	default:
		pc, err := net.ListenPacket(network, spec.Address)
		if err != nil {
			return nil, err
		}
		f, _ = pc.(filer)
		closer, addr = pc, pc.LocalAddr()
	}
	if f == nil {
		closer.Close()
		return nil, fmt.Errorf("%s sockets cannot be handed off", network)
	}
	file, err := f.File()
	// The duplicate in file keeps the socket alive.
	closer.Close()
	if err != nil {
		return nil, err
	}
	return &boundSocket{spec: spec, file: file, bound: addr.String()}, nil
}

// socketEnv returns the activation environment for the given sockets, in
// the order they will appear starting at ListenFdsStart.  LISTEN_PID is
// not set; the pid is not known until after exec, so children should
// trust LISTEN_FDS as given.
func socketEnv(socks []*boundSocket) []string {
	if len(socks) == 0 {
		return nil
	}
	names := make([]string, 0, len(socks))
	descs := make([]string, 0, len(socks))
	for i, s := range socks {
		names = append(names, s.name())
		descs = append(descs, strconv.Itoa(ListenFdsStart+i)+"="+s.spec.Network()+":"+s.bound)
	}
	return []string{
		"LISTEN_FDS=" + strconv.Itoa(len(socks)),
		"LISTEN_FDNAMES=" + strings.Join(names, ":"),
		"NUSALAUNCHD_SOCKETS=" + strings.Join(descs, ","),
	}
}

// socketWatch waits for the first sign of activity on a set of sockets.
// Nothing is accepted or read; the pending connection or datagram stays
// queued for the child.
type socketWatch struct {
	efd  int
	done chan struct{}
	once sync.Once
}

func watchSockets(socks []*boundSocket, fire func()) (*socketWatch, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	fds := make([]unix.PollFd, 0, len(socks)+1)
	fds = append(fds, unix.PollFd{Fd: int32(efd), Events: unix.POLLIN})
	for _, s := range socks {
		fds = append(fds, unix.PollFd{Fd: int32(s.file.Fd()), Events: unix.POLLIN})
	}
	w := &socketWatch{efd: efd, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			_, err := unix.Poll(fds, -1)
			if err == unix.EINTR {
				continue
			}
			if err != nil || fds[0].Revents != 0 {
				return
			}
			for _, p := range fds[1:] {
				if p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
					fire()
					return
				}
			}
		}
	}()
	return w, nil
}

// cancel stops the watcher and waits for it to exit, so the sockets may
// be closed safely afterwards.
func (w *socketWatch) cancel() {
	w.once.Do(func() {
		var buf [8]byte
		binary.NativeEndian.PutUint64(buf[:], 1)
		_, _ = unix.Write(w.efd, buf[:])
		<-w.done
		unix.Close(w.efd)
	})
}
