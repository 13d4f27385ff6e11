// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package nic

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"nestvm.dev/nestvm/pkg/log"
)

// TAP is a Backend on a host tap device.
type TAP struct {
	name string
	fd   int
}

// OpenTAP opens (creating if needed) the tap device name, sets it to
// non-blocking mode and brings the link up.
func OpenTAP(name string) (*TAP, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getting link for interface %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bringing up %q: %w", name, err)
	}
	log.Infof("NIC: tap %q up, MAC %v, MTU %d", name, link.Attrs().HardwareAddr, link.Attrs().MTU)
	return &TAP{name: name, fd: fd}, nil
}

// ReadPacket implements Backend.ReadPacket.
func (t *TAP) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Read(t.fd, buf)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EINTR {
			return 0, fmt.Errorf("reading %q: %w", t.name, err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := unix.Poll(fds, int(pollInterval.Milliseconds())); err != nil && err != unix.EINTR {
			return 0, err
		}
	}
}

// WritePacket implements Backend.WritePacket.
func (t *TAP) WritePacket(b []byte) error {
	_, err := unix.Write(t.fd, b)
	if err == unix.EAGAIN {
		packets.Increment("dropped")
		return nil
	}
	return err
}

// Close implements Backend.Close.
func (t *TAP) Close() error {
	return unix.Close(t.fd)
}
