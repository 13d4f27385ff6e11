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

// Package nic models an e1000-style network card: a transmit ring and a
// receive ring of descriptors whose buffers live in physical frames, plus a
// shadow receive ring for the guest.
//
// The kernel side fills the transmit ring and drains the receive ring. The
// device side (Pump, driven by a Backend) does the opposite. A descriptor is
// owned by the kernel while its DD bit is set on the transmit ring, and
// while its DD bit is set on the receive rings.
//
// Every packet the host drains from the receive ring is also copied into the
// guest ring, where the guest's packet-input hypercall finds it.
package nic

import (
	"fmt"
	"sync"
	"time"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/metric"
	"nestvm.dev/nestvm/pkg/physmem"
)

// MaxPacket is the largest Ethernet frame accepted.
const MaxPacket = 1518

// StatusDD is the descriptor-done bit.
const StatusDD uint8 = 0x01

// Default ring sizes.
const (
	DefaultTxDescs      = 64
	DefaultRxDescs      = 128
	DefaultGuestRxDescs = 128
)

var packets = metric.MustCreateNewUint64Metric("/nic/packets", "Packets moved through the network card.",
	metric.NewField("event", []string{"transmitted", "sent", "delivered", "received", "guest_received", "dropped"}))

// desc is a descriptor and the frame holding its buffer.
type desc struct {
	buf    *physmem.Frame
	length uint16
	status uint8
}

func (d *desc) bytes() []byte {
	return d.buf.Bytes()[:d.length]
}

// ring is a circular descriptor list.
type ring struct {
	descs []desc

	// head is the next descriptor the consumer looks at; tail the next one
	// the producer fills.
	head int
	tail int
}

func (r *ring) at(i int) *desc {
	return &r.descs[i%len(r.descs)]
}

func (r *ring) advance(i *int) {
	*i = (*i + 1) % len(r.descs)
}

// Config configures a Device.
type Config struct {
	TxDescs      int
	RxDescs      int
	GuestRxDescs int
	Logger       log.Logger
}

// Device is the network card.
type Device struct {
	mem *physmem.Memory
	log log.Logger

	// drops reports packets the receive ring had no room for.
	drops log.Logger

	mu sync.Mutex

	// +checklocks:mu
	tx ring
	// +checklocks:mu
	rx ring
	// +checklocks:mu
	guest ring

	// kick is signalled when the transmit ring gains a packet.
	kick chan struct{}
}

func (c *Config) setDefaults() {
	if c.TxDescs == 0 {
		c.TxDescs = DefaultTxDescs
	}
	if c.RxDescs == 0 {
		c.RxDescs = DefaultRxDescs
	}
	if c.GuestRxDescs == 0 {
		c.GuestRxDescs = DefaultGuestRxDescs
	}
}

// RingFrames returns the number of frames New draws for the ring buffers.
func (c Config) RingFrames() int {
	c.setDefaults()
	return c.TxDescs + c.RxDescs + c.GuestRxDescs
}

// New creates a device with ring buffers drawn from mem.
func New(mem *physmem.Memory, conf Config) (*Device, error) {
	conf.setDefaults()
	d := &Device{
		mem:  mem,
		log:  conf.Logger,
		kick: make(chan struct{}, 1),
	}
	if d.log == nil {
		d.log = log.Log()
	}
	d.drops = log.RateLimitedLogger(d.log, time.Second)
	for _, r := range []struct {
		ring *ring
		n    int
		// Transmit descriptors start out done, i.e. free for the kernel.
		status uint8
	}{
		{&d.tx, conf.TxDescs, StatusDD},
		{&d.rx, conf.RxDescs, 0},
		{&d.guest, conf.GuestRxDescs, 0},
	} {
		r.ring.descs = make([]desc, r.n)
		for i := range r.ring.descs {
			f, err := mem.Alloc(true)
			if err != nil {
				d.Close()
				return nil, fmt.Errorf("allocating ring buffers: %w", err)
			}
			f.IncRef()
			r.ring.descs[i] = desc{buf: f, status: r.status}
		}
	}
	d.log.Infof("NIC: %d tx, %d rx, %d guest rx descriptors", conf.TxDescs, conf.RxDescs, conf.GuestRxDescs)
	return d, nil
}

// Close releases the ring buffers.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range []*ring{&d.tx, &d.rx, &d.guest} {
		for i := range r.descs {
			if f := r.descs[i].buf; f != nil {
				f.DecRef()
			}
		}
		r.descs = nil
	}
}

// Transmit queues a packet. It fails with vmerr.NoDescriptor if the ring is
// full.
func (d *Device) Transmit(data []byte) error {
	if len(data) > MaxPacket {
		return fmt.Errorf("packet of %d bytes: %w", len(data), vmerr.InvalidArgument)
	}
	d.mu.Lock()
	td := d.tx.at(d.tx.tail)
	if td.status&StatusDD == 0 {
		d.mu.Unlock()
		return vmerr.NoDescriptor
	}
	copy(td.buf.Bytes(), data)
	td.length = uint16(len(data))
	td.status = 0
	d.tx.advance(&d.tx.tail)
	d.mu.Unlock()

	packets.Increment("transmitted")
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

// Receive takes the next packet off the receive ring, copies it into buf and
// into the guest ring, and returns its length. It fails with vmerr.NoPacket
// if the ring is empty.
func (d *Device) Receive(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rd := d.rx.at(d.rx.head)
	if rd.status&StatusDD == 0 {
		return 0, vmerr.NoPacket
	}
	if int(rd.length) > len(buf) {
		return 0, fmt.Errorf("%d byte packet into %d byte buffer: %w", rd.length, len(buf), vmerr.InvalidArgument)
	}
	n := copy(buf, rd.bytes())

	gd := d.guest.at(d.guest.tail)
	if gd.status&StatusDD != 0 {
		// The guest has not caught up; its oldest packet is lost.
		packets.Increment("dropped")
		d.guest.advance(&d.guest.head)
	}
	copy(gd.buf.Bytes(), rd.bytes())
	gd.length = rd.length
	gd.status = rd.status
	d.guest.advance(&d.guest.tail)

	rd.status = 0
	d.rx.advance(&d.rx.head)
	packets.Increment("received")
	return n, nil
}

// GuestReceive takes the next packet off the guest ring.
func (d *Device) GuestReceive(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gd := d.guest.at(d.guest.head)
	if gd.status&StatusDD == 0 {
		return 0, vmerr.NoPacket
	}
	if int(gd.length) > len(buf) {
		return 0, fmt.Errorf("%d byte packet into %d byte buffer: %w", gd.length, len(buf), vmerr.InvalidArgument)
	}
	n := copy(buf, gd.bytes())
	gd.status = 0
	d.guest.advance(&d.guest.head)
	packets.Increment("guest_received")
	return n, nil
}

// Deliver is the device side of receive: it places a packet from the wire
// on the receive ring. A full ring drops the packet with
// vmerr.NoDescriptor.
func (d *Device) Deliver(data []byte) error {
	if len(data) > MaxPacket {
		return fmt.Errorf("packet of %d bytes: %w", len(data), vmerr.InvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rd := d.rx.at(d.rx.tail)
	if rd.status&StatusDD != 0 {
		packets.Increment("dropped")
		return vmerr.NoDescriptor
	}
	copy(rd.buf.Bytes(), data)
	rd.length = uint16(len(data))
	rd.status = StatusDD
	d.rx.advance(&d.rx.tail)
	packets.Increment("delivered")
	return nil
}

// Drain is the device side of transmit: it hands every queued packet to fn
// and returns the descriptors to the kernel. It stops at the first error,
// leaving that packet queued.
func (d *Device) Drain(fn func([]byte) error) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for {
		td := d.tx.at(d.tx.head)
		if td.status&StatusDD != 0 {
			return n, nil
		}
		if err := fn(td.bytes()); err != nil {
			return n, err
		}
		td.status = StatusDD
		d.tx.advance(&d.tx.head)
		packets.Increment("sent")
		n++
	}
}
