// Copyright 2019 The gVisor Authors.
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

package physmem

import (
	"golang.org/x/sys/unix"
	"nestvm.dev/nestvm/pkg/hostarch"
)

// mapAnonymous returns size bytes of private, zero-filled, page-aligned host
// memory.
func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}

// Release drops the host pages backing every dirty free frame and returns
// how many it dropped. The frames stay on the free list and read back as
// zero.
func (m *Memory) Release() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for f := m.free; f != nil; f = f.next {
		if !f.dirty {
			continue
		}
		r, ok := m.findLocked(f.pa)
		if !ok {
			continue
		}
		off := int(f.pa - r.base)
		if err := unix.Madvise(r.data[off:off+hostarch.PageSize], unix.MADV_DONTNEED); err != nil {
			return n, err
		}
		f.dirty = false
		m.ndirty--
		n++
	}
	return n, nil
}
