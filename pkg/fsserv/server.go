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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strings"

	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/kernel"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/metric"
)

// Where the server receives requests and builds replies.
const (
	serverReqVA   hostarch.Addr = 0x0ffff000
	serverReplyVA hostarch.Addr = 0x0fffe000
)

const pagePerm = uint64(addrspace.Present | addrspace.User | addrspace.Write)

var requestsMetric = metric.MustCreateNewUint64Metric("/fs/requests", "File service requests by operation and result.",
	metric.NewField("op", []string{"stat", "read", "other"}),
	metric.NewField("result", []string{"ok", "error"}))

// Server serves files from an fs.FS.
type Server struct {
	fsys fs.FS
	log  log.Logger
}

// NewServer returns a server for fsys.
func NewServer(fsys fs.FS, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Log()
	}
	return &Server{fsys: fsys, log: logger}
}

// Serve answers requests until the process is destroyed. It is a
// kernel.ProcFunc.
func (s *Server) Serve(p *kernel.Proc) error {
	s.log.Infof("File service %v running", p.ID())
	for {
		m, err := p.Recv(serverReqVA)
		if err != nil {
			return err
		}
		n, data, err := s.handle(p, m)
		s.count(m.Value, err)
		if err != nil {
			s.log.Debugf("fs: request %d from %v: %v", m.Value, m.From, err)
		}
		if err := s.reply(p, m.From, EncodeReply(n, err), data); err != nil {
			s.log.Warningf("fs: replying to %v: %v", m.From, err)
		}
	}
}

func (s *Server) count(op uint32, err error) {
	name := "other"
	switch op {
	case OpStat:
		name = "stat"
	case OpRead:
		name = "read"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestsMetric.Increment(name, result)
}

// handle executes one request. The request page is unmapped before it
// returns.
func (s *Server) handle(p *kernel.Proc, m kernel.Message) (int, []byte, error) {
	if m.Perm == 0 {
		return 0, nil, fmt.Errorf("request without a page: %w", vmerr.InvalidArgument)
	}
	page, err := p.Page(serverReqVA)
	if err != nil {
		return 0, nil, err
	}
	req, err := ParseRequest(page)
	p.PageUnmap(0, serverReqVA)
	if err != nil {
		return 0, nil, err
	}
	name, err := cleanPath(req.Path)
	if err != nil {
		return 0, nil, err
	}

	switch m.Value {
	case OpStat:
		fi, err := fs.Stat(s.fsys, name)
		if err != nil {
			return 0, nil, fsError(err)
		}
		if fi.Size() > math.MaxInt32 {
			return 0, nil, fmt.Errorf("%s is %d bytes: %w", name, fi.Size(), vmerr.NotSupported)
		}
		return int(fi.Size()), nil, nil
	case OpRead:
		data, err := s.read(name, int64(req.Offset), int(req.Count))
		return len(data), data, err
	default:
		return 0, nil, fmt.Errorf("operation %d: %w", m.Value, vmerr.NotSupported)
	}
}

// read returns up to count bytes, at most a page, of name at off.
func (s *Server) read(name string, off int64, count int) ([]byte, error) {
	if count > hostarch.PageSize {
		count = hostarch.PageSize
	}
	f, err := s.fsys.Open(name)
	if err != nil {
		return nil, fsError(err)
	}
	defer f.Close()

	buf := make([]byte, count)
	var n int
	if ra, ok := f.(io.ReaderAt); ok {
		n, err = ra.ReadAt(buf, off)
	} else {
		if _, err = io.CopyN(io.Discard, f, off); err == nil {
			n, err = io.ReadFull(f, buf)
		}
	}
	switch {
	case n > 0 || count == 0:
		return buf[:n], nil
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, vmerr.EOF
	default:
		return nil, fsError(err)
	}
}

// reply sends value, and data in a page if there is any, back to to.
func (s *Server) reply(p *kernel.Proc, to env.ID, value uint32, data []byte) error {
	if data == nil {
		return p.Send(to, value, env.UTop, 0)
	}
	if err := p.PageAlloc(0, serverReplyVA, pagePerm); err != nil {
		return err
	}
	defer p.PageUnmap(0, serverReplyVA)
	page, err := p.Page(serverReplyVA)
	if err != nil {
		return err
	}
	copy(page, data)
	return p.Send(to, value, serverReplyVA, pagePerm)
}

func cleanPath(path string) (string, error) {
	name := strings.TrimLeft(path, "/")
	if name == "" {
		name = "."
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("path %q: %w", path, vmerr.InvalidArgument)
	}
	return name, nil
}

func fsError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%v: %w", err, vmerr.NotFound)
	case errors.Is(err, fs.ErrInvalid):
		return fmt.Errorf("%v: %w", err, vmerr.InvalidArgument)
	default:
		if e, ok := vmerr.FromUnix(err); ok {
			return fmt.Errorf("%v: %w", err, e)
		}
		return err
	}
}
