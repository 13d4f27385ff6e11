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

package nic

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Backend is the wire behind the device.
type Backend interface {
	// ReadPacket blocks until a packet arrives or ctx is done.
	ReadPacket(ctx context.Context, buf []byte) (int, error)

	// WritePacket sends one packet.
	WritePacket(b []byte) error

	// Close releases the backend.
	Close() error
}

// Loopback is a Backend that receives every packet it sends.
type Loopback struct {
	ch chan []byte
}

// NewLoopback returns a loopback with room for depth packets in flight.
func NewLoopback(depth int) *Loopback {
	return &Loopback{ch: make(chan []byte, depth)}
}

// ReadPacket implements Backend.ReadPacket.
func (l *Loopback) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	select {
	case p := <-l.ch:
		return copy(buf, p), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WritePacket implements Backend.WritePacket. A full loopback drops the
// packet.
func (l *Loopback) WritePacket(b []byte) error {
	select {
	case l.ch <- append([]byte(nil), b...):
	default:
		packets.Increment("dropped")
	}
	return nil
}

// Close implements Backend.Close.
func (l *Loopback) Close() error { return nil }

// pollInterval bounds how long a queued transmit can wait without a kick.
const pollInterval = 50 * time.Millisecond

// Pump moves packets between d and b until ctx is done: packets read from b
// are delivered to the receive ring, and the transmit ring is drained into
// b. It returns nil when ctx is cancelled.
func (d *Device) Pump(ctx context.Context, b Backend) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, MaxPacket)
		for {
			n, err := b.ReadPacket(ctx, buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := d.Deliver(buf[:n]); err != nil {
				d.drops.Warningf("NIC: dropping %d byte packet: %v", n, err)
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for {
			if _, err := d.Drain(b.WritePacket); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-d.kick:
			case <-t.C:
			}
		}
	})
	return g.Wait()
}
