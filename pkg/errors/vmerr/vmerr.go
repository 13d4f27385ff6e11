// Copyright 2021 The gVisor Authors.
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

// Package vmerr contains the kernel error codes exported as error interface
// pointers. This allows for fast comparison and return operations, and gives
// each error a stable status value that can be placed in guest or process
// registers.
package vmerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"nestvm.dev/nestvm/pkg/errors"
)

// Status values. These are part of the guest ABI and must not change.
const (
	StatusUnspecified  errors.Status = 1
	StatusBadEnv       errors.Status = 2
	StatusInval        errors.Status = 3
	StatusNoMem        errors.Status = 4
	StatusNoFreeEnv    errors.Status = 5
	StatusFault        errors.Status = 6
	StatusIPCNotRecv   errors.Status = 7
	StatusEOF          errors.Status = 8
	StatusNotFound     errors.Status = 11
	StatusNotSupported errors.Status = 15
	StatusNoEntry      errors.Status = 16
	StatusNoPacket     errors.Status = 17
	StatusNoDescriptor errors.Status = 18
)

var (
	noError *errors.Error = nil

	// Unspecified is returned when no more specific status applies.
	Unspecified = errors.New(StatusUnspecified, "unspecified error")

	// BadEnv is returned when an environment does not exist or the caller
	// lacks permission over it.
	BadEnv = errors.New(StatusBadEnv, "bad environment")

	// InvalidArgument covers misaligned addresses, out of range targets,
	// double mappings and malformed permissions.
	InvalidArgument = errors.New(StatusInval, "invalid parameter")

	// NoMemory is returned when a frame cannot be allocated.
	NoMemory = errors.New(StatusNoMem, "out of memory")

	// NoFreeEnv is returned when the environment directory is full.
	NoFreeEnv = errors.New(StatusNoFreeEnv, "out of environments")

	// Fault is returned for an access to an unmapped address.
	Fault = errors.New(StatusFault, "segmentation fault")

	// NotReceiving is returned by a send to an environment that is not
	// blocked in recv. Senders are expected to retry.
	NotReceiving = errors.New(StatusIPCNotRecv, "env is not recving")

	// EOF is returned by services at end of file.
	EOF = errors.New(StatusEOF, "unexpected end of file")

	// NotFound is returned by services for missing names.
	NotFound = errors.New(StatusNotFound, "file or block not found")

	// NotSupported is returned for unknown requests.
	NotSupported = errors.New(StatusNotSupported, "operation not supported")

	// NoEntry is returned by a table walk without create on a missing level.
	NoEntry = errors.New(StatusNoEntry, "entry not present")

	// NoPacket is returned when the receive ring holds no packet.
	NoPacket = errors.New(StatusNoPacket, "no packet available")

	// NoDescriptor is returned when the transmit ring is full.
	NoDescriptor = errors.New(StatusNoDescriptor, "no free transmit descriptor")
)

var byStatus = map[errors.Status]*errors.Error{
	StatusUnspecified:  Unspecified,
	StatusBadEnv:       BadEnv,
	StatusInval:        InvalidArgument,
	StatusNoMem:        NoMemory,
	StatusNoFreeEnv:    NoFreeEnv,
	StatusFault:        Fault,
	StatusIPCNotRecv:   NotReceiving,
	StatusEOF:          EOF,
	StatusNotFound:     NotFound,
	StatusNotSupported: NotSupported,
	StatusNoEntry:      NoEntry,
	StatusNoPacket:     NoPacket,
	StatusNoDescriptor: NoDescriptor,
}

// Ret returns the register value for err: zero for nil, the negated status
// for a kernel error, and -StatusUnspecified for anything else.
func Ret(err error) int64 {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) && e != noError {
		return e.Ret()
	}
	if e, ok := FromUnix(err); ok {
		return e.Ret()
	}
	return Unspecified.Ret()
}

// FromRet converts a register value back into an error. Non-negative values
// are not errors.
func FromRet(rv int64) error {
	if rv >= 0 {
		return nil
	}
	if e, ok := byStatus[errors.Status(-rv)]; ok {
		return e
	}
	return Unspecified
}

// FromUnix translates host errors that can surface from frame and device
// operations.
func FromUnix(err error) (*errors.Error, bool) {
	var errno unix.Errno
	if !goerrors.As(err, &errno) {
		return nil, false
	}
	switch errno {
	case unix.ENOMEM:
		return NoMemory, true
	case unix.EINVAL:
		return InvalidArgument, true
	case unix.EFAULT:
		return Fault, true
	case unix.EAGAIN:
		return NoPacket, true
	case unix.ENOBUFS:
		return NoDescriptor, true
	default:
		return nil, false
	}
}

// Is reports whether err is, or wraps, target.
func Is(err error, target *errors.Error) bool {
	return goerrors.Is(err, target)
}
