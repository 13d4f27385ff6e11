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

package fsserv

import (
	"fmt"
	"io"

	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/kernel"
)

// Where a client builds requests and receives replies.
const (
	clientReqVA   hostarch.Addr = 0x0fffd000
	clientReplyVA hostarch.Addr = 0x0fffc000
)

// Client issues requests from a host process.
type Client struct {
	p      *kernel.Proc
	server env.ID
}

// NewClient returns a client for process p talking to server.
func NewClient(p *kernel.Proc, server env.ID) *Client {
	return &Client{p: p, server: server}
}

// call sends one request and waits for the server's reply. Data in the reply
// is copied into buf.
func (c *Client) call(op uint32, req Request, buf []byte) (int, error) {
	if err := c.p.PageAlloc(0, clientReqVA, pagePerm); err != nil {
		return 0, err
	}
	page, err := c.p.Page(clientReqVA)
	if err != nil {
		return 0, err
	}
	if err := req.MarshalTo(page); err != nil {
		c.p.PageUnmap(0, clientReqVA)
		return 0, err
	}
	err = c.p.Send(c.server, op, clientReqVA, pagePerm)
	c.p.PageUnmap(0, clientReqVA)
	if err != nil {
		return 0, err
	}

	for {
		m, err := c.p.Recv(clientReplyVA)
		if err != nil {
			return 0, err
		}
		if m.From != c.server {
			// Not ours; the sender will see a lost message.
			if m.Perm != 0 {
				c.p.PageUnmap(0, clientReplyVA)
			}
			continue
		}
		n, err := DecodeReply(m.Value)
		if m.Perm != 0 {
			if data, perr := c.p.Page(clientReplyVA); perr == nil && n <= len(data) {
				n = copy(buf, data[:n])
			}
			c.p.PageUnmap(0, clientReplyVA)
		}
		return n, err
	}
}

// Stat returns the size of path.
func (c *Client) Stat(path string) (int64, error) {
	n, err := c.call(OpStat, Request{Path: path}, nil)
	return int64(n), err
}

// ReadAt reads len(b) bytes of path at off. Like io.ReaderAt, it returns
// io.EOF when fewer bytes are available.
func (c *Client) ReadAt(path string, b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("offset %d: %w", off, vmerr.InvalidArgument)
	}
	done := 0
	for done < len(b) {
		chunk := b[done:]
		if len(chunk) > hostarch.PageSize {
			chunk = chunk[:hostarch.PageSize]
		}
		n, err := c.call(OpRead, Request{Path: path, Offset: uint64(off) + uint64(done), Count: uint32(len(chunk))}, chunk)
		done += n
		if err == vmerr.EOF {
			return done, io.EOF
		}
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.EOF
		}
	}
	return done, nil
}

// File is an open remote file.
type File struct {
	c    *Client
	path string
	size int64
}

// Open stats path and returns a handle for reading it.
func (c *Client) Open(path string) (*File, error) {
	size, err := c.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &File{c: c, path: path, size: size}, nil
}

// ReadAt implements io.ReaderAt.ReadAt.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	return f.c.ReadAt(f.path, b, off)
}

// Size returns the file size at open time.
func (f *File) Size() int64 { return f.size }

// Remote opens files on a file service. It serves processes as a loader
// source.
type Remote struct {
	Server env.ID
}

// Open opens name on behalf of p.
func (r Remote) Open(p *kernel.Proc, name string) (io.ReaderAt, int64, error) {
	f, err := NewClient(p, r.Server).Open(name)
	if err != nil {
		return nil, 0, err
	}
	return f, f.Size(), nil
}
