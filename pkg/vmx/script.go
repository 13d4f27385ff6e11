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

package vmx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	"nestvm.dev/nestvm/pkg/env"
)

// ErrMismatch is returned by a Script when the guest state before an exit
// differs from what the script expects.
var ErrMismatch = errors.New("guest state does not match script")

// Step is one scripted exit.
//
// Before the exit is produced, Expect is checked against the registers the
// kernel resumes the guest with, then Write is copied into guest memory and
// Set is loaded into the registers.
type Step struct {
	Reason        ExitReason        `yaml:"reason"`
	Qualification uint64            `yaml:"qualification,omitempty"`
	Length        uint32            `yaml:"length,omitempty"`
	GPA           uint64            `yaml:"gpa,omitempty"`
	Expect        map[string]uint64 `yaml:"expect,omitempty"`
	Write         map[uint64]string `yaml:"write,omitempty"`
	Set           map[string]uint64 `yaml:"set,omitempty"`
}

// UnmarshalYAML accepts reason names as well as numbers.
func (r *ExitReason) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseExitReason(value.Value)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r ExitReason) MarshalYAML() (any, error) {
	return r.String(), nil
}

// Script is a VCPU that replays a recorded sequence of exits instead of
// running guest code. When the script runs out, the guest halts.
type Script struct {
	Steps []Step `yaml:"exits"`

	vmcs SoftVMCS
	mem  io.WriterAt
	next int
}

// ParseScript decodes a YAML exit trace.
func ParseScript(data []byte) (*Script, error) {
	s := &Script{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding exit script: %w", err)
	}
	for i, st := range s.Steps {
		for _, regs := range []map[string]uint64{st.Expect, st.Set} {
			for name := range regs {
				if _, err := Reg(&env.Trapframe{}, name); err != nil {
					return nil, fmt.Errorf("exit %d: %w", i, err)
				}
			}
		}
	}
	s.vmcs = make(SoftVMCS)
	return s, nil
}

// LoadScript reads a YAML exit trace from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data)
}

// Clone returns a fresh replay of the same steps.
func (s *Script) Clone() *Script {
	return &Script{Steps: s.Steps, vmcs: make(SoftVMCS)}
}

// SetMemory gives the script write access to guest memory.
func (s *Script) SetMemory(mem io.WriterAt) {
	s.mem = mem
}

// Remaining returns the number of exits not yet replayed.
func (s *Script) Remaining() int {
	return len(s.Steps) - s.next
}

// Marshal encodes the script's steps as YAML.
func (s *Script) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// VMCS implements VCPU.VMCS.
func (s *Script) VMCS() VMCS {
	if s.vmcs == nil {
		s.vmcs = make(SoftVMCS)
	}
	return s.vmcs
}

// Run implements VCPU.Run.
func (s *Script) Run(ctx context.Context, tf *env.Trapframe) (ExitReason, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	vmcs := s.VMCS()
	if s.next >= len(s.Steps) {
		Exit{Reason: ExitHLT, Length: 1}.Record(vmcs)
		return ExitHLT, nil
	}
	st := &s.Steps[s.next]
	s.next++

	for _, name := range sortedKeys(st.Expect) {
		r, err := Reg(tf, name)
		if err != nil {
			return 0, err
		}
		if *r != st.Expect[name] {
			return 0, fmt.Errorf("before exit %d: %s = %#x, want %#x: %w", s.next-1, name, *r, st.Expect[name], ErrMismatch)
		}
	}
	for gpa, data := range st.Write {
		if s.mem == nil {
			return 0, fmt.Errorf("exit %d writes guest memory but none is attached", s.next-1)
		}
		if _, err := s.mem.WriteAt([]byte(data), int64(gpa)); err != nil {
			return 0, fmt.Errorf("exit %d: writing gpa %#x: %w", s.next-1, gpa, err)
		}
	}
	for name, v := range st.Set {
		r, err := Reg(tf, name)
		if err != nil {
			return 0, err
		}
		*r = v
	}
	Exit{
		Reason:        st.Reason,
		Qualification: st.Qualification,
		Length:        st.Length,
		GPA:           st.GPA,
	}.Record(vmcs)
	return st.Reason, nil
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reg returns the register of tf called name.
func Reg(tf *env.Trapframe, name string) (*uint64, error) {
	switch name {
	case "rax":
		return &tf.RAX, nil
	case "rbx":
		return &tf.RBX, nil
	case "rcx":
		return &tf.RCX, nil
	case "rdx":
		return &tf.RDX, nil
	case "rsi":
		return &tf.RSI, nil
	case "rdi":
		return &tf.RDI, nil
	case "rbp":
		return &tf.RBP, nil
	case "r8":
		return &tf.R8, nil
	case "r9":
		return &tf.R9, nil
	case "r10":
		return &tf.R10, nil
	case "r11":
		return &tf.R11, nil
	case "r12":
		return &tf.R12, nil
	case "r13":
		return &tf.R13, nil
	case "r14":
		return &tf.R14, nil
	case "r15":
		return &tf.R15, nil
	case "rip":
		return &tf.RIP, nil
	case "rsp":
		return &tf.RSP, nil
	case "rflags":
		return &tf.RFLAGS, nil
	default:
		return nil, fmt.Errorf("unknown register %q", name)
	}
}
