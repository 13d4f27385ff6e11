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

// Package fsserv implements the host file service: a process that answers
// stat and read requests over IPC, from host processes and guests alike.
//
// A request is a send whose value is the operation and whose page holds a
// Request. The reply value is a length on success or a negated status; a
// read reply carries the data in a page.
package fsserv

import (
	"encoding/binary"
	"fmt"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
)

// Operations.
const (
	OpStat uint32 = 1
	OpRead uint32 = 2
)

// Request page layout.
const (
	offsetOff = 0
	countOff  = 8
	pathOff   = 16

	// MaxPath is the longest path a request can carry.
	MaxPath = hostarch.PageSize - pathOff - 1
)

// Request is the body of a request page.
type Request struct {
	Offset uint64
	Count  uint32
	Path   string
}

// MarshalTo encodes r into a request page.
func (r *Request) MarshalTo(page []byte) error {
	if len(r.Path) > MaxPath {
		return fmt.Errorf("path of %d bytes: %w", len(r.Path), vmerr.InvalidArgument)
	}
	binary.LittleEndian.PutUint64(page[offsetOff:], r.Offset)
	binary.LittleEndian.PutUint32(page[countOff:], r.Count)
	n := copy(page[pathOff:], r.Path)
	page[pathOff+n] = 0
	return nil
}

// ParseRequest decodes a request page.
func ParseRequest(page []byte) (Request, error) {
	if len(page) < pathOff+1 {
		return Request{}, fmt.Errorf("request page of %d bytes: %w", len(page), vmerr.InvalidArgument)
	}
	path := page[pathOff:]
	end := -1
	for i, c := range path {
		if c == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return Request{}, fmt.Errorf("unterminated path: %w", vmerr.InvalidArgument)
	}
	return Request{
		Offset: binary.LittleEndian.Uint64(page[offsetOff:]),
		Count:  binary.LittleEndian.Uint32(page[countOff:]),
		Path:   string(path[:end]),
	}, nil
}

// Reply values are lengths, or statuses as negative 32-bit integers.

// EncodeReply returns the reply value for n bytes or err.
func EncodeReply(n int, err error) uint32 {
	if err != nil {
		return uint32(int32(vmerr.Ret(err)))
	}
	return uint32(n)
}

// DecodeReply inverts EncodeReply.
func DecodeReply(v uint32) (int, error) {
	if int32(v) < 0 {
		return 0, vmerr.FromRet(int64(int32(v)))
	}
	return int(v), nil
}
